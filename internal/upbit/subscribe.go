package upbit

import "github.com/navid-fn/candlekeeper/internal/candle"

type ticketField struct {
	Ticket string `json:"ticket"`
}

type typeField struct {
	Type  string   `json:"type"`
	Codes []string `json:"codes"`
}

type formatField struct {
	Format string `json:"format"`
}

// SubscribeMessage builds the request sent right after connecting:
// a ticket, one type field per pushed interval, and the format field.
func SubscribeMessage(ticket string, u Universe, intervals []candle.Interval) []any {
	msg := []any{ticketField{Ticket: ticket}}
	codes := u.Symbols()
	for _, iv := range intervals {
		if st := iv.StreamType(); st != "" {
			msg = append(msg, typeField{Type: st, Codes: codes})
		}
	}
	return append(msg, formatField{Format: "DEFAULT"})
}
