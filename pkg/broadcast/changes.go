package broadcast

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/ISCPIF/OpenPortability-sub004/pkg/jsontime"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/node"
)

// NodeTypeChange is one entry of the node type change log.
type NodeTypeChange struct {
	CoordHash string         `json:"coord_hash"`
	NodeType  node.Type      `json:"node_type"`
	Timestamp jsontime.Milli `json:"timestamp"`
}

// ChangesResponse is the body of GET /api/graph/node-type-changes.
// Version is the timestamp of the newest change in the window, 0 when
// there is none.
type ChangesResponse struct {
	Success   bool             `json:"success"`
	Version   int64            `json:"version"`
	Changes   []NodeTypeChange `json:"changes"`
	Timestamp jsontime.Milli   `json:"timestamp"`
}

// NodeTypeChanges returns the node type changes stamped after since that
// identity may see, oldest first.
func (h *Hub) NodeTypeChanges(identity string, since time.Time) ChangesResponse {
	resp := ChangesResponse{Success: true, Changes: []NodeTypeChange{}, Timestamp: jsontime.NowMilli()}
	for _, e := range h.SinceTime(identity, since) {
		if e.Type != TypeNodeTypes {
			continue
		}
		resp.Changes = append(resp.Changes, NodeTypeChange{
			CoordHash: e.CoordHash,
			NodeType:  e.NodeType,
			Timestamp: e.Timestamp,
		})
		resp.Version = max(resp.Version, e.Timestamp.UnixMilli())
	}
	return resp
}

// ChangesHandler serves the node type change log for clients that poll
// instead of streaming. The since parameter is a millisecond timestamp.
type ChangesHandler struct {
	Hub      *Hub
	Identify IdentifyFunc
}

func (h *ChangesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		var err error
		if since, err = strconv.ParseInt(v, 10, 64); err != nil || since < 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid since"})
			return
		}
	}
	resp := h.Hub.NodeTypeChanges(identify(h.Identify, r), time.UnixMilli(since))
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
