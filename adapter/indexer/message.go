package indexer

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/yitech/marketfeed/model/candle"
	"github.com/yitech/marketfeed/model/orderbook"
)

// Kind tags the payload carried by a Message.
type Kind string

const (
	KindOrderbook Kind = "orderbook"
	KindCandle    Kind = "candle"
	KindStatus    Kind = "status"
)

// Message is one decoded stream frame. Exactly one of Orderbook, Candle or
// Status is set, according to Kind.
type Message struct {
	Kind      Kind
	Orderbook *orderbook.Snapshot
	Candle    *candle.Update
	Status    string
}

// envelope carries the tag of an internally tagged frame: the payload
// fields sit next to "type" at the top level.
type envelope struct {
	Type    Kind   `json:"type"`
	Message string `json:"message"`
}

// decodeMessage parses one text frame. Any failure is a *ParseError.
func decodeMessage(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, newParseError(raw, err)
	}

	switch env.Type {
	case KindOrderbook:
		var s orderbook.Snapshot
		if err := json.Unmarshal(raw, &s); err != nil {
			return Message{}, newParseError(raw, err)
		}
		return Message{Kind: KindOrderbook, Orderbook: &s}, nil

	case KindCandle:
		var u candle.Update
		if err := json.Unmarshal(raw, &u); err != nil {
			return Message{}, newParseError(raw, err)
		}
		if _, err := u.Candle(); err != nil {
			return Message{}, newParseError(raw, err)
		}
		return Message{Kind: KindCandle, Candle: &u}, nil

	case KindStatus:
		return Message{Kind: KindStatus, Status: env.Message}, nil

	case "":
		return Message{}, newParseError(raw, errors.New("missing frame type"))

	default:
		return Message{}, newParseError(raw, errors.Errorf("unknown frame type %q", env.Type))
	}
}
