package publish

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quillhq/quill/cfg"
	"github.com/stretchr/testify/require"
)

func TestScopeFilterEmptyMatchesAll(t *testing.T) {
	f, err := NewScopeFilter(nil)
	require.NoError(t, err)
	require.True(t, f.Match("anything"))
	require.True(t, f.Match(""))
}

func TestScopeFilterPatterns(t *testing.T) {
	f, err := NewScopeFilter([]string{"org-*", "team-42"})
	require.NoError(t, err)

	require.True(t, f.Match("org-acme"))
	require.True(t, f.Match("team-42"))
	require.False(t, f.Match("team-43"))
	require.False(t, f.Match("personal"))
}

func TestScopeFilterInvalidPattern(t *testing.T) {
	_, err := NewScopeFilter([]string{"[unclosed"})
	require.Error(t, err)
}

func TestRegistryConstructsByKind(t *testing.T) {
	p, err := New(cfg.PublisherConfiguration{Kind: "mock"})
	require.NoError(t, err)
	defer p.Close()
	require.IsType(t, &MockPublisher{}, p)

	_, err = New(cfg.PublisherConfiguration{Kind: "nope"})
	require.Error(t, err)
}

func TestSimulatedPublisherDelayAndFailure(t *testing.T) {
	p := NewSimulatedPublisher(20*time.Millisecond, 0)
	defer p.Close()

	start := time.Now()
	res, err := p.Publish(context.Background(), Record{EntityID: "doc-1"})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	always := NewSimulatedPublisher(0, 1.0)
	defer always.Close()
	_, err = always.Publish(context.Background(), Record{EntityID: "doc-1"})
	require.Error(t, err)
}

func TestSimulatedPublisherHonorsContext(t *testing.T) {
	p := NewSimulatedPublisher(time.Minute, 0)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := p.Publish(ctx, Record{EntityID: "doc-1"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMockPublisherScripting(t *testing.T) {
	m := &MockPublisher{}
	ctx := context.Background()

	m.FailNext(2, errors.New("down"))
	_, err := m.Publish(ctx, Record{EntityID: "a"})
	require.Error(t, err)
	_, err = m.Publish(ctx, Record{EntityID: "a"})
	require.Error(t, err)

	res, err := m.Publish(ctx, Record{EntityID: "a", Version: 3})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 1, m.RecordCount())
	require.Equal(t, int64(3), m.Records()[0].Version)

	m.RejectAll(true)
	res, err = m.Publish(ctx, Record{EntityID: "a"})
	require.NoError(t, err)
	require.False(t, res.Success)
}
