package pipeline

import (
	"context"
	"image"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vzahanych/fallwatch/internal/logger"
	"github.com/vzahanych/fallwatch/internal/service"
)

func TestConnectivityPoller_PublishesOnChangeOnly(t *testing.T) {
	det := &fakeDetector{}
	poller := NewConnectivityPoller(NewDetectorHolder(det), time.Hour, logger.NewNopLogger())
	bus := service.NewEventBus(10)
	poller.SetEventBus(bus)
	events := bus.Subscribe(service.EventTypeConnectivityChanged)
	ctx := context.Background()

	assert.True(t, poller.Check(ctx))
	assert.True(t, poller.Check(ctx))
	det.healthErr = errors.New("refused")
	assert.False(t, poller.Check(ctx))
	assert.Error(t, poller.LastError())

	require.Len(t, events, 2)
	first := <-events
	assert.Equal(t, true, first.Data["connected"])
	second := <-events
	assert.Equal(t, false, second.Data["connected"])
	assert.Equal(t, "refused", second.Data["error"])
	assert.False(t, poller.Connected())
}

func TestConnectivityPoller_StartStop(t *testing.T) {
	det := &fakeDetector{}
	poller := NewConnectivityPoller(NewDetectorHolder(det), 10*time.Millisecond, logger.NewNopLogger())

	require.NoError(t, poller.Start(context.Background()))
	assert.Eventually(t, poller.Connected, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, poller.Stop(ctx))
}

func TestConnectivityPoller_FollowsDetectorSwap(t *testing.T) {
	holder := NewDetectorHolder(&fakeDetector{healthErr: errors.New("down")})
	poller := NewConnectivityPoller(holder, time.Hour, logger.NewNopLogger())

	assert.False(t, poller.Check(context.Background()))
	holder.Set(&fakeDetector{})
	assert.True(t, poller.Check(context.Background()))
}

func TestPreview_RateAndSlot(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))

	off := NewPreview(0)
	off.Offer(0, img)
	_, _, ok := off.Latest()
	assert.False(t, ok)

	p := NewPreview(1)
	p.Offer(0, img)
	p.Offer(1, img)
	data, idx, ok := p.Latest()
	require.True(t, ok)
	assert.NotEmpty(t, data)
	assert.Equal(t, 0, idx, "second offer is over the rate")
	assert.WithinDuration(t, time.Now(), p.Updated(), time.Second)

	p.Reset()
	_, _, ok = p.Latest()
	assert.False(t, ok)
	assert.True(t, p.Updated().IsZero())
}
