package store

import (
	"context"
	"fmt"

	"github.com/peregrinehq/peregrine/pkg/models"
)

const imageColumns = `canonical, architecture, registry, digest, labels,
	min_slots, max_slots`

// GetImage fetches one image row keyed by (canonical, architecture).
func (s *Store) GetImage(ctx context.Context, canonical, architecture string) (*models.Image, error) {
	var img models.Image
	err := s.db.QueryRow(ctx, `
		SELECT `+imageColumns+`
		FROM images
		WHERE canonical = $1 AND architecture = $2`,
		canonical, architecture).Scan(
		&img.Canonical, &img.Architecture, &img.Registry, &img.Digest,
		&img.Labels, &img.MinSlots, &img.MaxSlots,
	)
	if err != nil {
		return nil, err
	}
	return &img, nil
}

// UpsertImage registers or refreshes an image record, used when agents report
// locally present images on heartbeat.
func (s *Store) UpsertImage(ctx context.Context, img *models.Image) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO images (canonical, architecture, registry, digest, labels,
			min_slots, max_slots)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (canonical, architecture) DO UPDATE
		SET registry = EXCLUDED.registry, digest = EXCLUDED.digest,
			labels = EXCLUDED.labels, min_slots = EXCLUDED.min_slots,
			max_slots = EXCLUDED.max_slots`,
		img.Canonical, img.Architecture, img.Registry, img.Digest, img.Labels,
		img.MinSlots, img.MaxSlots,
	)
	if err != nil {
		return fmt.Errorf("upsert image %s/%s: %w", img.Canonical, img.Architecture, err)
	}
	return nil
}
