package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/samber/mo"

	"github.com/jinford/dev-docs/internal/core/pipeline"
)

// JobIDToPgtype converts pipeline.JobID to pgtype.UUID
func JobIDToPgtype(id pipeline.JobID) (pgtype.UUID, error) {
	parsed, err := uuid.Parse(id.String())
	if err != nil {
		return pgtype.UUID{}, fmt.Errorf("invalid job id %q: %w", id, err)
	}
	return pgtype.UUID{Bytes: parsed, Valid: true}, nil
}

// PgtypeToJobID converts pgtype.UUID to pipeline.JobID
func PgtypeToJobID(id pgtype.UUID) pipeline.JobID {
	if !id.Valid {
		return ""
	}
	return pipeline.JobID(uuid.UUID(id.Bytes).String())
}

// OptionToPgtext converts mo.Option[string] to pgtype.Text
func OptionToPgtext(o mo.Option[string]) pgtype.Text {
	s, ok := o.Get()
	if !ok {
		return pgtype.Text{}
	}
	return pgtype.Text{String: s, Valid: true}
}

// StringToNullableText converts string to pgtype.Text (nullable)
func StringToNullableText(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: s, Valid: true}
}

// TimeToPgtype converts time.Time to pgtype.Timestamptz
func TimeToPgtype(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: true}
}

// TimePtrToPgtype converts *time.Time to pgtype.Timestamptz
func TimePtrToPgtype(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}

// JSONBFromStringSlice converts []string to []byte (JSONB)
func JSONBFromStringSlice(s []string) []byte {
	if s == nil {
		s = []string{}
	}
	b, _ := json.Marshal(s)
	return b
}
