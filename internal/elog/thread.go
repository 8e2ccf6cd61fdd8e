package elog

import (
	"context"
	"fmt"
	"sort"

	"github.com/psi/logbook-agent/pkg/models"
)

// Thread assembles the acyclic ancestor/descendant graph around messageID:
// walking parent pointers to a root if includeParents, walking replies
// breadth-first if includeReplies, then sorting siblings by timestamp
// ascending (§4.3, I6).
func (c *Core) Thread(ctx context.Context, messageID int, includeReplies, includeParents bool) (*models.ThreadGraph, error) {
	visited := map[int]*models.ELOGHit{}
	var edges []models.ThreadEdge

	if _, err := c.fetchHit(ctx, messageID, visited); err != nil {
		return nil, err
	}

	rootID := messageID
	if includeParents {
		id := messageID
		for {
			t, err := c.client.Thread(ctx, id)
			if err != nil {
				break
			}
			parentID := 0
			for _, e := range t.Edges {
				if e.ChildID == id {
					parentID = e.ParentID
					break
				}
			}
			if parentID == 0 || parentID == id {
				break
			}
			if _, seen := visited[parentID]; seen {
				break // cycle guard
			}
			if _, err := c.fetchHit(ctx, parentID, visited); err != nil {
				break
			}
			edges = append(edges, models.ThreadEdge{ParentID: parentID, ChildID: id})
			rootID = parentID
			id = parentID
		}
	}

	if includeReplies {
		queue := []int{messageID}
		for len(queue) > 0 {
			current := queue[0]
			queue = queue[1:]

			t, err := c.client.Thread(ctx, current)
			if err != nil {
				continue
			}
			for _, e := range t.Edges {
				if e.ParentID != current {
					continue
				}
				if _, seen := visited[e.ChildID]; seen {
					continue // cycle guard
				}
				if _, err := c.fetchHit(ctx, e.ChildID, visited); err != nil {
					continue
				}
				edges = append(edges, models.ThreadEdge{ParentID: current, ChildID: e.ChildID})
				queue = append(queue, e.ChildID)
			}
		}
	}

	hits := make([]*models.ELOGHit, 0, len(visited))
	for _, h := range visited {
		hits = append(hits, h)
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Timestamp.Before(hits[j].Timestamp) })

	return &models.ThreadGraph{RootID: rootID, Hits: hits, Edges: edges}, nil
}

func (c *Core) fetchHit(ctx context.Context, id int, visited map[int]*models.ELOGHit) (*models.ELOGHit, error) {
	if h, ok := visited[id]; ok {
		return h, nil
	}
	entry, err := c.client.Read(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reading thread entry %d: %w", id, err)
	}
	ts, _ := parseEntryTimestamp(entry.Timestamp)
	hit := c.toHit(entry, ts)
	visited[id] = hit
	return hit, nil
}
