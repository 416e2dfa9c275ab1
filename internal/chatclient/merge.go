package chatclient

import (
	"sort"

	"erpchat/internal/models"
)

// Merge reconciles two views of one conversation. The result holds each id
// once, ordered by CreatedAt with the id breaking ties. When both views hold
// an id the incoming copy wins, except that a deletion is never undone.
// Neither input is modified.
func Merge(existing, incoming []*models.Message) []*models.Message {
	byID := make(map[string]*models.Message, len(existing)+len(incoming))
	for _, msg := range existing {
		if msg != nil {
			byID[msg.ID] = msg
		}
	}
	for _, msg := range incoming {
		if msg == nil {
			continue
		}
		if prev, ok := byID[msg.ID]; ok && prev.Deleted && !msg.Deleted {
			continue
		}
		byID[msg.ID] = msg
	}

	merged := make([]*models.Message, 0, len(byID))
	for _, msg := range byID {
		merged = append(merged, msg)
	}
	sortMessages(merged)
	return merged
}

func sortMessages(messages []*models.Message) {
	sort.Slice(messages, func(i, j int) bool {
		a, b := messages[i], messages[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// reconcile applies a poll result to the cached sequence. The poll is
// authoritative for the window it covers; cached messages newer than that
// window arrived by push while the poll was in flight and are kept. A
// cached deletion of a message inside the window outlives the poll, which
// may have been answered before the deletion happened.
func reconcile(cached, polled []*models.Message) []*models.Message {
	fresh := Merge(nil, polled)
	if len(fresh) == 0 {
		// Messages are never removed server side, so anything cached
		// arrived after the poll was answered.
		return Merge(fresh, cached)
	}
	newest := fresh[len(fresh)-1]
	inWindow := make(map[string]bool, len(fresh))
	for _, msg := range fresh {
		inWindow[msg.ID] = true
	}

	var carried []*models.Message
	for _, msg := range cached {
		switch {
		case msg.CreatedAt.After(newest.CreatedAt):
			carried = append(carried, msg)
		case msg.Deleted && inWindow[msg.ID]:
			carried = append(carried, msg)
		}
	}
	return Merge(fresh, carried)
}

// retract returns a copy of msg marked deleted with its content removed.
func retract(msg *models.Message) *models.Message {
	c := *msg
	c.Deleted = true
	c.Content = ""
	c.Attachment = nil
	return &c
}
