package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

func parseIDParam(c *gin.Context, name string) (snowflake.ID, error) {
	return parseSnowflakeID(name, c.Param(name))
}

func parseSnowflakeID(field, value string) (snowflake.ID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, newValidationError(field, "required", field+" is required")
	}
	parsed, err := snowflake.ParseString(trimmed)
	if err != nil || parsed <= 0 {
		return 0, newValidationError(field, "invalid_id", "invalid "+field)
	}
	return parsed, nil
}

func parseOptionalSnowflakeID(field, value string) (*snowflake.ID, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	parsed, err := parseSnowflakeID(field, value)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}
