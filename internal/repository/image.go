// Package repository wraps all SQL used throughout the API and workers.
package repository

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gigapix/gigapix/internal/model"
)

// ErrNotFound is returned when no image row matches the given fileid.
var ErrNotFound = errors.New("image not found")

const uniqueViolation = "23505"

// ImageRepository persists image records.
type ImageRepository struct {
	pool *pgxpool.Pool
}

// NewImageRepository constructs a repository.
func NewImageRepository(pool *pgxpool.Pool) *ImageRepository {
	return &ImageRepository{pool: pool}
}

// CreateWithUniqueFileID inserts a new record, generating random 9-character
// ids until one does not collide. The primary key enforces uniqueness; the
// retry loop just rerolls on the (rare) collision.
func (r *ImageRepository) CreateWithUniqueFileID(ctx context.Context, img *model.Image) error {
	now := time.Now().UTC()
	img.Date = now
	img.UpdatedAt = now
	for {
		img.FileID = randomFileID()
		_, err := r.pool.Exec(ctx, `
			INSERT INTO images (fileid, owner, source, title, description, content_type, width, height, size, ranges, cdn_domain, date, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		`, img.FileID, img.Owner, img.Source, img.Title, img.Description, img.ContentType,
			img.Width, img.Height, img.Size, toInt32s(img.Ranges), img.CDNDomain, img.Date, img.UpdatedAt)
		if err == nil {
			return nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			continue
		}
		return fmt.Errorf("insert image: %w", err)
	}
}

// Get returns an image by fileid.
func (r *ImageRepository) Get(ctx context.Context, fileid string) (*model.Image, error) {
	var (
		img       model.Image
		ranges    []int32
		cdnDomain sql.NullString
	)
	row := r.pool.QueryRow(ctx, `
		SELECT fileid, owner, source, title, description, content_type, width, height, size, ranges, cdn_domain, date, updated_at
		FROM images WHERE fileid=$1
	`, fileid)
	if err := row.Scan(&img.FileID, &img.Owner, &img.Source, &img.Title, &img.Description,
		&img.ContentType, &img.Width, &img.Height, &img.Size, &ranges, &cdnDomain,
		&img.Date, &img.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select image: %w", err)
	}
	img.Ranges = toInts(ranges)
	if cdnDomain.Valid {
		d := cdnDomain.String
		img.CDNDomain = &d
	}
	return &img, nil
}

// SetDimensions records the pixel dimensions and on-disk size once the source
// download completes.
func (r *ImageRepository) SetDimensions(ctx context.Context, fileid string, width, height int, size int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE images SET width=$1, height=$2, size=$3, updated_at=$4 WHERE fileid=$5
	`, width, height, size, time.Now().UTC(), fileid)
	if err != nil {
		return fmt.Errorf("set dimensions: %w", err)
	}
	return nil
}

// SetRanges persists the planned zoom levels so later reads never recompute
// them.
func (r *ImageRepository) SetRanges(ctx context.Context, fileid string, ranges []int) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE images SET ranges=$1, updated_at=$2 WHERE fileid=$3
	`, toInt32s(ranges), time.Now().UTC(), fileid)
	if err != nil {
		return fmt.Errorf("set ranges: %w", err)
	}
	return nil
}

// SetCDNDomain marks the image as fully offloaded. It only ever sets the
// domain once; a second call is a no-op so concurrent upload chunks cannot
// fight over it.
func (r *ImageRepository) SetCDNDomain(ctx context.Context, fileid, domain string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE images SET cdn_domain=$1, updated_at=$2 WHERE fileid=$3 AND cdn_domain IS NULL
	`, domain, time.Now().UTC(), fileid)
	if err != nil {
		return fmt.Errorf("set cdn domain: %w", err)
	}
	return nil
}

// UpdateMetadata changes the user-editable fields.
func (r *ImageRepository) UpdateMetadata(ctx context.Context, fileid, title, description string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE images SET title=$1, description=$2, updated_at=$3 WHERE fileid=$4
	`, title, description, time.Now().UTC(), fileid)
	if err != nil {
		return fmt.Errorf("update metadata: %w", err)
	}
	return nil
}

// Delete removes the record. Artifact files are removed by a queued job, not
// here.
func (r *ImageRepository) Delete(ctx context.Context, fileid string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM images WHERE fileid=$1`, fileid)
	if err != nil {
		return fmt.Errorf("delete image: %w", err)
	}
	return nil
}

// List returns one page of images, newest first, optionally filtered by
// owner, together with the total count for pagination.
func (r *ImageRepository) List(ctx context.Context, owner string, page, pageSize int) ([]*model.Image, int, error) {
	if page < 1 {
		page = 1
	}
	where := ""
	args := []interface{}{}
	if owner != "" {
		where = "WHERE owner=$1"
		args = append(args, owner)
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM images "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count images: %w", err)
	}

	offset := (page - 1) * pageSize
	query := fmt.Sprintf(`
		SELECT fileid, owner, source, title, description, content_type, width, height, size, ranges, cdn_domain, date, updated_at
		FROM images %s ORDER BY date DESC LIMIT $%d OFFSET $%d
	`, where, len(args)+1, len(args)+2)
	args = append(args, pageSize, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list images: %w", err)
	}
	defer rows.Close()

	var images []*model.Image
	for rows.Next() {
		var (
			img       model.Image
			ranges    []int32
			cdnDomain sql.NullString
		)
		if err := rows.Scan(&img.FileID, &img.Owner, &img.Source, &img.Title, &img.Description,
			&img.ContentType, &img.Width, &img.Height, &img.Size, &ranges, &cdnDomain,
			&img.Date, &img.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan image: %w", err)
		}
		img.Ranges = toInts(ranges)
		if cdnDomain.Valid {
			d := cdnDomain.String
			img.CDNDomain = &d
		}
		images = append(images, &img)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list images: %w", err)
	}
	return images, total, nil
}

// randomFileID derives a 9-character identifier from random UUID material.
func randomFileID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])[:model.FileIDLength]
}

func toInt32s(in []int) []int32 {
	if in == nil {
		return nil
	}
	out := make([]int32, len(in))
	for i, v := range in {
		out[i] = int32(v)
	}
	return out
}

func toInts(in []int32) []int {
	if in == nil {
		return nil
	}
	out := make([]int, len(in))
	for i, v := range in {
		out[i] = int(v)
	}
	return out
}
