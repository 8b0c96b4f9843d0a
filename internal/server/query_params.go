package server

import (
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
)

// snowflakeField parses an optional id. Blank input yields nil; anything
// else must be a positive snowflake or the caller gets a field error.
func snowflakeField(field, raw string) (*snowflake.ID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	id, err := snowflake.ParseString(raw)
	if err != nil || id <= 0 {
		return nil, newValidationError(field, "invalid_"+field, "invalid "+strings.ReplaceAll(field, "_", " "))
	}
	return &id, nil
}

// pageSizeQuery returns 0 when absent so the service applies its default.
func pageSizeQuery(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	size, err := strconv.Atoi(raw)
	if err != nil || size < 0 {
		return 0, newValidationError("page_size", "invalid_page_size", "invalid page size")
	}
	return size, nil
}
