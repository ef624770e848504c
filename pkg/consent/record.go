package consent

import (
	"context"

	"github.com/ISCPIF/OpenPortability-sub004/pkg/jsontime"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/node"
)

// Record is the stored consent of one account. CoordHash is filled from a
// Directory when the record is served; repositories leave it empty.
type Record struct {
	TwitterID node.ID        `json:"twitter_id"`
	Level     Level          `json:"consent_level"`
	CoordHash string         `json:"coord_hash,omitempty"`
	Version   int64          `json:"version"`
	UpdatedAt jsontime.Milli `json:"updated_at"`
}

// Change is emitted for every committed write. It is also the payload of
// the consent_changes notification channel.
type Change struct {
	TwitterID node.ID        `json:"twitter_id"`
	OldLevel  *Level         `json:"old_level"`
	NewLevel  Level          `json:"new_level"`
	Version   int64          `json:"version"`
	ChangedAt jsontime.Milli `json:"changed_at"`
}

// Meta is audit information attached to a write.
type Meta struct {
	IPAddress string
	UserAgent string
}

// Repository stores consent records.
type Repository interface {
	// Get returns the record of id or ErrNotFound.
	Get(ctx context.Context, id node.ID) (*Record, error)

	// SetLevel writes level for id and returns the resulting change.
	SetLevel(ctx context.Context, id node.ID, level Level, meta Meta) (*Change, error)

	// List returns the records whose level is one of levels, in id order.
	List(ctx context.Context, levels ...Level) ([]Record, error)
}
