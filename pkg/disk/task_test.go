package disk

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/jimyag/storagedriver/pkg/apierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	reports []Progress
	abortAt int
	calls   int
}

func (r *recorder) Aborted() bool {
	r.calls++
	return r.abortAt > 0 && r.calls >= r.abortAt
}

func (r *recorder) Report(p Progress) {
	r.reports = append(r.reports, p)
}

func (r *recorder) percents() []int {
	out := make([]int, 0, len(r.reports))
	for _, p := range r.reports {
		out = append(out, p.Percent)
	}
	return out
}

func TestTracker_Coalesces(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	tr := NewTracker(rec)
	tr.SetTotal(1000)

	for done := int64(0); done <= 1000; done++ {
		tr.Update(done, done)
	}
	tr.Done(1000)

	assert.Len(t, rec.reports, 100)
	assert.Equal(t, 100, rec.reports[len(rec.reports)-1].Percent)
	assert.IsNonDecreasing(t, rec.percents())
}

func TestTracker_NeverDecreases(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	tr := NewTracker(rec)
	tr.SetTotal(100)

	tr.Update(100, 100)
	tr.Stage(99, map[string]string{"extracting": "zip"})
	tr.Update(50, 50)
	tr.Done(120)

	assert.Equal(t, []int{100, 100}, rec.percents())
	assert.Equal(t, "zip", rec.reports[1].Extra["extracting"])
	assert.Equal(t, int64(120), tr.Bytes())
}

func TestTracker_ClampsAndZeroTotal(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	tr := NewTracker(rec)

	tr.Update(10, 10)
	assert.Empty(t, rec.reports)

	tr.SetTotal(10)
	tr.Update(30, 30)
	assert.Equal(t, []int{100}, rec.percents())

	tr.Done(30)
	assert.Len(t, rec.reports, 1)
}

func TestTracker_DoneOnEmpty(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	tr := NewTracker(rec)
	tr.Done(0)
	assert.Equal(t, []int{100}, rec.percents())
}

func TestTracker_AbortedByContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	tr := NewTracker(nil)
	assert.False(t, tr.Aborted(ctx))
	cancel()
	assert.True(t, tr.Aborted(ctx))
}

func TestChecksum(t *testing.T) {
	t.Parallel()

	data := bytes.Repeat([]byte("storagedriver"), 20000)
	sum := sha256.Sum256(data)

	rec := &recorder{}
	got, err := Checksum(context.Background(), rec, bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, "sha256:"+hex.EncodeToString(sum[:]), got.String())
	assert.Equal(t, 100, rec.reports[len(rec.reports)-1].Percent)

	empty, err := Checksum(context.Background(), nil, bytes.NewReader(nil), 0)
	require.NoError(t, err)
	assert.Equal(t, "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", empty.String())
}

func TestChecksum_Aborted(t *testing.T) {
	t.Parallel()

	data := make([]byte, 10*ChecksumBlockSize)
	rec := &recorder{abortAt: 3}
	_, err := Checksum(context.Background(), rec, bytes.NewReader(data), int64(len(data)))
	assert.True(t, errors.Is(err, apierror.ErrAborted))
}
