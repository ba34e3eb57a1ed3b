package matrix

import (
	"context"
	"fmt"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/karn/internal/karn/window"
)

// historyPage is the /messages page size.
const historyPage = 100

// Recent returns up to limit messages of room newer than since, newest
// first. It implements window.HistorySource.
func (c *Client) Recent(ctx context.Context, room string, since time.Time, limit int) ([]window.HistoryEntry, error) {
	var (
		out  []window.HistoryEntry
		from string
	)
	self := id.UserID(c.cfg.UserID)
	for len(out) < limit {
		resp, err := c.mxc.Messages(ctx, id.RoomID(room), from, "", mautrix.DirectionBackward, nil, historyPage)
		if err != nil {
			return nil, fmt.Errorf("read room history: %w", err)
		}
		for _, evt := range resp.Chunk {
			if time.UnixMilli(evt.Timestamp).Before(since) {
				return out, nil
			}
			if evt.Type != event.EventMessage {
				continue
			}
			msg, ok := c.toMessage(ctx, evt)
			if !ok {
				continue
			}
			out = append(out, window.HistoryEntry{
				ID:          msg.ID,
				Sender:      msg.Sender,
				DisplayName: msg.DisplayName,
				Text:        msg.Text,
				FromBot:     evt.Sender == self,
				Images:      msg.Images,
				At:          msg.At,
			})
			if len(out) == limit {
				return out, nil
			}
		}
		if resp.End == "" || len(resp.Chunk) == 0 {
			break
		}
		from = resp.End
	}
	return out, nil
}
