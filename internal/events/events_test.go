package events

import (
	"context"
	"testing"

	"github.com/smallbiznis/loyalty/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
)

func TestNewPublisherWithoutNATSLogsOnly(t *testing.T) {
	pub, err := NewPublisher(Params{Lc: fxtest.NewLifecycle(t), Config: config.Config{}, Log: zap.NewNop()})
	require.NoError(t, err)
	assert.IsType(t, &LogPublisher{}, pub)
	pub.Publish(context.Background(), SubjectPointsAwarded, map[string]any{"points": 10})
}

func TestRecorderCountsBySubject(t *testing.T) {
	var r Recorder
	r.Publish(context.Background(), SubjectPointsAwarded, nil)
	r.Publish(context.Background(), SubjectTierChanged, nil)
	r.Publish(context.Background(), SubjectPointsAwarded, nil)

	assert.Equal(t, 2, r.Count(SubjectPointsAwarded))
	assert.Len(t, r.Events(), 3)
}

func TestNATSPublisherPrefix(t *testing.T) {
	p := NewNATSPublisher(nil, " .acme. ", zap.NewNop())
	assert.Equal(t, "acme", p.prefix)
	assert.Equal(t, "loyalty", NewNATSPublisher(nil, "", zap.NewNop()).prefix)
}
