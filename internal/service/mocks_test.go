package service_test

import (
	"context"
	"encoding/json"

	"github.com/weiawesome/market-chat/internal/domain"
	"github.com/weiawesome/market-chat/internal/hub"
)

type staticProfiles map[string]domain.UserProfile

func (p staticProfiles) Get(_ context.Context, id string) (domain.UserProfile, error) {
	if prof, ok := p[id]; ok {
		return prof, nil
	}
	return domain.UserProfile{}, domain.ErrNotFound
}

func (p staticProfiles) GetMany(_ context.Context, ids []string) map[string]domain.UserProfile {
	out := map[string]domain.UserProfile{}
	for _, id := range ids {
		if prof, ok := p[id]; ok {
			out[id] = prof
		}
	}
	return out
}

// frames drains c's outbound buffer, decoding each frame.
func frames(c *hub.Client) []map[string]any {
	var out []map[string]any
	for {
		select {
		case data, ok := <-c.Send():
			if !ok {
				return out
			}
			var f map[string]any
			if err := json.Unmarshal(data, &f); err == nil {
				out = append(out, f)
			}
		default:
			return out
		}
	}
}

// frameCollector accumulates frames across polls so Eventually can look
// for one by type.
type frameCollector struct {
	client *hub.Client
	seen   []map[string]any
}

func (fc *frameCollector) ofType(t string) []map[string]any {
	fc.seen = append(fc.seen, frames(fc.client)...)
	var out []map[string]any
	for _, f := range fc.seen {
		if f["type"] == t {
			out = append(out, f)
		}
	}
	return out
}
