package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestServeReturnsWhenContextCancelledWithNoAddr(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := Serve(ctx, "", zerolog.Nop())
	assert.NoError(t, err)
}

func TestCountersAcceptLabelledIncrements(t *testing.T) {
	RowsInserted.WithLabelValues("spots").Inc()
	RowsDropped.WithLabelValues("spots", "malformed").Inc()
	QueueDepth.WithLabelValues("alpha").Set(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(QueueDepth.WithLabelValues("alpha")))
}
