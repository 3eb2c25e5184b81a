package allocation

import (
	"context"
	"errors"
	"testing"

	"github.com/multimediallc/idranges/internal/backend"
	"github.com/multimediallc/idranges/internal/failure"
	"github.com/multimediallc/idranges/internal/manifest"
	"github.com/multimediallc/idranges/internal/rangeconfig"
	"github.com/multimediallc/idranges/pkg/objects"
	"github.com/multimediallc/idranges/pkg/ranges"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	config *rangeconfig.Config
	err    error
}

func (s fakeSource) Read(string) (*rangeconfig.Config, error) {
	return s.config, s.err
}

type fakeScanner struct {
	records []objects.Record
	err     error
	calls   int
}

func (s *fakeScanner) Scan(string) ([]objects.Record, error) {
	s.calls++
	return s.records, s.err
}

type reserveCall struct {
	identity   string
	objectType string
	ranges     []ranges.Range
	count      int
}

type fakeBackend struct {
	reserveIDs      []int
	reserveWarnings []string
	reserveErr      error
	failedIDs       []int
	reclaimErr      error
	trackErr        error

	reserveCalls []reserveCall
	reclaimCalls int
	trackCalls   int
}

func (b *fakeBackend) ReserveNext(_ context.Context, identity, objectType string, rs []ranges.Range, count int) (*backend.ReserveResponse, error) {
	b.reserveCalls = append(b.reserveCalls, reserveCall{identity, objectType, rs, count})
	if b.reserveErr != nil {
		return nil, b.reserveErr
	}
	return &backend.ReserveResponse{IDs: b.reserveIDs, Warnings: b.reserveWarnings}, nil
}

func (b *fakeBackend) ReclaimIDs(_ context.Context, _, _ string, ids []int) (*backend.ReclaimResponse, error) {
	b.reclaimCalls++
	if b.reclaimErr != nil {
		return nil, b.reclaimErr
	}
	return &backend.ReclaimResponse{FailedIDs: b.failedIDs}, nil
}

func (b *fakeBackend) GetConsumption(context.Context, string) (backend.Consumption, error) {
	return backend.Consumption{}, nil
}

func (b *fakeBackend) TrackAssignment(_ context.Context, _, _ string, id int) (*backend.TrackResponse, error) {
	b.trackCalls++
	if b.trackErr != nil {
		return nil, b.trackErr
	}
	return &backend.TrackResponse{Updated: true}, nil
}

func (b *fakeBackend) calls() int {
	return len(b.reserveCalls) + b.reclaimCalls + b.trackCalls
}

func mustConfig(t *testing.T, data string) *rangeconfig.Config {
	t.Helper()
	config, err := rangeconfig.Parse([]byte(data))
	require.NoError(t, err)
	return config
}

func tables(ids ...int) []objects.Record {
	records := make([]objects.Record, 0, len(ids))
	for _, id := range ids {
		records = append(records, objects.Record{Type: "table", ID: id, Name: "T", File: "src/t.al", Line: 1})
	}
	return records
}

const singleRange = `{"objectRanges": {"table": [{"from": 1000, "to": 1999}]}}`

func newCoordinator(config *rangeconfig.Config, records []objects.Record, client *fakeBackend) (*Coordinator, *fakeScanner) {
	scanner := &fakeScanner{records: records}
	var b backend.Client
	if client != nil {
		b = client
	}
	return New(Project{Root: "/work", AppID: "APP-1"}, fakeSource{config: config}, scanner, b, nil), scanner
}

func TestPreview(t *testing.T) {
	client := &fakeBackend{}
	c, _ := newCoordinator(mustConfig(t, singleRange), tables(1000, 1001), client)

	res, err := c.Allocate(context.Background(), Request{Mode: ModePreview, ObjectType: "Table", Count: 3})
	require.NoError(t, err)
	assert.Equal(t, ModePreview, res.Mode)
	assert.Equal(t, "table", res.ObjectType)
	assert.Equal(t, []int{1002, 1003, 1004}, res.IDs)
	assert.Equal(t, 3, res.AvailableCount)
	assert.Empty(t, res.Warnings)
	assert.Zero(t, client.calls(), "preview never contacts the allocator")
}

func TestPreviewDefaultsCountToOne(t *testing.T) {
	c, _ := newCoordinator(mustConfig(t, singleRange), nil, nil)

	res, err := c.Preview(context.Background(), Request{ObjectType: "table", Count: 0})
	require.NoError(t, err)
	assert.Equal(t, []int{1000}, res.IDs)
}

func TestPreviewIgnoresOtherTypes(t *testing.T) {
	records := append(tables(1000), objects.Record{Type: "page", ID: 1001, File: "p.al"})
	c, _ := newCoordinator(mustConfig(t, singleRange), records, nil)

	res, err := c.Preview(context.Background(), Request{ObjectType: "table", Count: 2})
	require.NoError(t, err)
	assert.Equal(t, []int{1001, 1002}, res.IDs)
}

func TestPreviewPreferredRange(t *testing.T) {
	config := mustConfig(t, `{"objectRanges": {"table": [{"from": 1000, "to": 1099}, {"from": 2000, "to": 2099}]}}`)
	c, _ := newCoordinator(config, tables(2000), nil)

	preferred := ranges.New(2000, 2099)
	res, err := c.Preview(context.Background(), Request{ObjectType: "table", Count: 2, PreferredRange: &preferred})
	require.NoError(t, err)
	assert.Equal(t, []int{2001, 2002}, res.IDs)

	other := ranges.New(2000, 2050)
	_, err = c.Preview(context.Background(), Request{ObjectType: "table", PreferredRange: &other})
	assert.Equal(t, failure.NoIdsAvailable, failure.CodeOf(err))
}

func TestPreviewSpansRangesInDeclaredOrder(t *testing.T) {
	config := mustConfig(t, `{"objectRanges": {"table": [{"from": 50, "to": 51}, {"from": 10, "to": 12}]}}`)
	c, _ := newCoordinator(config, tables(50), nil)

	res, err := c.Preview(context.Background(), Request{ObjectType: "table", Count: 3})
	require.NoError(t, err)
	assert.Equal(t, []int{51, 10, 11}, res.IDs)
	assert.Equal(t, 3, res.AvailableCount)
}

func TestPreviewPartialCapacity(t *testing.T) {
	config := mustConfig(t, `{"idRanges": [{"from": 1, "to": 3}]}`)
	c, _ := newCoordinator(config, tables(2), nil)

	res, err := c.Preview(context.Background(), Request{ObjectType: "table", Count: 5})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, res.IDs)
	assert.Equal(t, 2, res.AvailableCount)
}

func TestPreviewOverlappingRanges(t *testing.T) {
	config := mustConfig(t, `{"objectRanges": {"table": [{"from": 1, "to": 3}, {"from": 2, "to": 5}]}}`)
	c, _ := newCoordinator(config, nil, nil)

	res, err := c.Preview(context.Background(), Request{ObjectType: "table", Count: 5})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, res.IDs)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, failure.WarnRangesOverlap, res.Warnings[0].Code)
}

func TestPreviewWarnsOnUnknownType(t *testing.T) {
	c, _ := newCoordinator(mustConfig(t, `{"idRanges": [{"from": 1, "to": 3}]}`), nil, nil)

	res, err := c.Preview(context.Background(), Request{ObjectType: "Widget"})
	require.NoError(t, err)
	assert.Equal(t, "widget", res.ObjectType)
	assert.Equal(t, []int{1}, res.IDs)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, failure.WarnUnknownType, res.Warnings[0].Code)
}

func TestPreviewCollisionWarnings(t *testing.T) {
	records := append(tables(1000), objects.Record{Type: "table", ID: 1000, File: "src/other.al", Line: 3})
	c, _ := newCoordinator(mustConfig(t, singleRange), records, nil)

	res, err := c.Preview(context.Background(), Request{ObjectType: "table"})
	require.NoError(t, err)
	assert.Equal(t, []int{1001}, res.IDs)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, failure.WarnIDCollision, res.Warnings[0].Code)
}

func TestPreviewFailures(t *testing.T) {
	full := mustConfig(t, `{"objectRanges": {"table": [{"from": 1, "to": 2}]}}`)
	tt := []struct {
		name    string
		config  *rangeconfig.Config
		records []objects.Record
		req     Request
		code    failure.Code
	}{
		{"missing config", nil, nil, Request{ObjectType: "table"}, failure.NoRangesDefined},
		{"no ranges for type", full, nil, Request{ObjectType: "page"}, failure.NoRangesDefined},
		{"exhausted", full, tables(1, 2), Request{ObjectType: "table"}, failure.NoIdsAvailable},
		{"no type", full, nil, Request{}, failure.InvalidParameter},
		{"invalid preferred range", full, nil, Request{ObjectType: "table", PreferredRange: &ranges.Range{From: 5, To: 1}}, failure.InvalidParameter},
	}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := newCoordinator(tc.config, tc.records, nil)
			_, err := c.Preview(context.Background(), tc.req)
			require.Error(t, err)
			assert.Equal(t, tc.code, failure.CodeOf(err))

			var coded *failure.Error
			require.ErrorAs(t, err, &coded)
			assert.Equal(t, "preview", coded.Mode)
		})
	}
}

func TestPreviewScanFailure(t *testing.T) {
	c, scanner := newCoordinator(mustConfig(t, singleRange), nil, nil)
	scanner.err = errors.New("permission denied")

	_, err := c.Preview(context.Background(), Request{ObjectType: "table"})
	assert.Equal(t, failure.Internal, failure.CodeOf(err))
	assert.ErrorContains(t, err, "permission denied")
}

func TestReserveDryRun(t *testing.T) {
	client := &fakeBackend{}
	c, _ := newCoordinator(mustConfig(t, singleRange), tables(1000, 1001), client)

	res, err := c.Allocate(context.Background(), Request{Mode: ModeReserve, ObjectType: "table", Count: 3, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, ModeReserve, res.Mode)
	assert.False(t, res.Reserved)
	assert.Equal(t, []int{1002, 1003, 1004}, res.IDs)
	assert.Zero(t, client.calls())
}

func TestReserve(t *testing.T) {
	client := &fakeBackend{reserveIDs: []int{1005, 1006}, reserveWarnings: []string{"pool almost full"}}
	c, _ := newCoordinator(mustConfig(t, singleRange), nil, client)

	res, err := c.Allocate(context.Background(), Request{Mode: ModeReserve, ObjectType: "table", Count: 2})
	require.NoError(t, err)
	assert.True(t, res.Reserved)
	assert.Equal(t, []int{1005, 1006}, res.IDs)
	assert.Equal(t, manifest.Identity("app-1"), res.Metadata["identity"])
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, failure.WarnBackend, res.Warnings[0].Code)

	require.Len(t, client.reserveCalls, 1)
	assert.Equal(t, reserveCall{
		identity:   manifest.Identity("APP-1"),
		objectType: "table",
		ranges:     []ranges.Range{ranges.New(1000, 1999)},
		count:      2,
	}, client.reserveCalls[0])
	assert.Equal(t, 2, client.trackCalls)
}

func TestReserveUsesPoolIdentity(t *testing.T) {
	client := &fakeBackend{reserveIDs: []int{1000}}
	config := mustConfig(t, `{"appPoolId": "shared-pool", "idRanges": [{"from": 1000, "to": 1999}]}`)
	c, _ := newCoordinator(config, nil, client)

	res, err := c.Reserve(context.Background(), Request{ObjectType: "table"})
	require.NoError(t, err)
	assert.Equal(t, "shared-pool", client.reserveCalls[0].identity)
	assert.Equal(t, "shared-pool", res.Metadata["poolId"])
	assert.Zero(t, client.trackCalls, "Reserve alone does not track")
}

func TestReserveNeedsIdentity(t *testing.T) {
	client := &fakeBackend{reserveIDs: []int{1000}}
	c := New(Project{Root: "/work"}, fakeSource{config: mustConfig(t, singleRange)}, &fakeScanner{}, client, nil)

	_, err := c.Reserve(context.Background(), Request{ObjectType: "table"})
	assert.Equal(t, failure.InvalidParameter, failure.CodeOf(err))
	assert.Zero(t, client.calls())
}

func TestReserveOutOfRangeIDsWarn(t *testing.T) {
	client := &fakeBackend{reserveIDs: []int{1500, 5000}}
	c, _ := newCoordinator(mustConfig(t, singleRange), nil, client)

	res, err := c.Reserve(context.Background(), Request{ObjectType: "table", Count: 2})
	require.NoError(t, err)
	assert.Equal(t, []int{1500, 5000}, res.IDs)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, failure.WarnIDOutsideRanges, res.Warnings[0].Code)
	assert.Contains(t, res.Warnings[0].Message, "5000")
}

func TestReserveTrackingFailureIsAWarning(t *testing.T) {
	client := &fakeBackend{reserveIDs: []int{1000, 1001}, trackErr: errors.New("ledger down")}
	c, _ := newCoordinator(mustConfig(t, singleRange), nil, client)

	res, err := c.Allocate(context.Background(), Request{Mode: ModeReserve, ObjectType: "table", Count: 2})
	require.NoError(t, err)
	assert.True(t, res.Reserved)
	assert.Equal(t, []int{1000, 1001}, res.IDs)
	assert.Equal(t, 2, client.trackCalls)
	require.Len(t, res.Warnings, 2)
	for _, w := range res.Warnings {
		assert.Equal(t, failure.WarnTrackingFailed, w.Code)
	}
}

func TestReserveBackendError(t *testing.T) {
	client := &fakeBackend{reserveErr: &backend.StatusError{StatusCode: 401}}
	c, _ := newCoordinator(mustConfig(t, singleRange), nil, client)

	_, err := c.Allocate(context.Background(), Request{Mode: ModeReserve, ObjectType: "table"})
	require.Error(t, err)
	var coded *failure.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, failure.BackendError, coded.Code)
	assert.Equal(t, failure.CategoryAuthRequired, coded.Category)
	assert.Equal(t, "reserve", coded.Mode)
	assert.Equal(t, "table", coded.ObjectType)
	assert.Len(t, client.reserveCalls, 1, "coordinator does not retry")
	assert.Zero(t, client.trackCalls)
}

func TestReserveWithoutBackend(t *testing.T) {
	c, _ := newCoordinator(mustConfig(t, singleRange), nil, nil)

	_, err := c.Reserve(context.Background(), Request{ObjectType: "table"})
	assert.Equal(t, failure.InvalidParameter, failure.CodeOf(err))
}

func TestReserveEmptyResponse(t *testing.T) {
	c, _ := newCoordinator(mustConfig(t, singleRange), nil, &fakeBackend{})

	_, err := c.Reserve(context.Background(), Request{ObjectType: "table"})
	assert.Equal(t, failure.NoIdsAvailable, failure.CodeOf(err))
}

func TestReclaim(t *testing.T) {
	client := &fakeBackend{failedIDs: []int{1002}}
	c, _ := newCoordinator(mustConfig(t, singleRange), nil, client)

	res, err := c.Allocate(context.Background(), Request{Mode: ModeReclaim, ObjectType: "table", IDs: []int{1000, 1001, 1002}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.ReclaimedCount)
	assert.Equal(t, []int{1000, 1001}, res.IDs)
	assert.Equal(t, []int{1002}, res.FailedIDs)
	assert.Equal(t, 1, client.reclaimCalls)
}

func TestReclaimDryRun(t *testing.T) {
	client := &fakeBackend{}
	c, _ := newCoordinator(nil, nil, client)

	res, err := c.Reclaim(context.Background(), Request{ObjectType: "table", IDs: []int{7, 8}, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 2, res.ReclaimedCount)
	assert.Equal(t, []int{7, 8}, res.IDs)
	assert.Zero(t, client.calls())
}

func TestReclaimRequiresIDs(t *testing.T) {
	client := &fakeBackend{}
	c, _ := newCoordinator(mustConfig(t, singleRange), nil, client)

	_, err := c.Allocate(context.Background(), Request{Mode: ModeReclaim, ObjectType: "table"})
	assert.Equal(t, failure.InvalidParameter, failure.CodeOf(err))
	assert.Zero(t, client.calls())
}

func TestReclaimBackendError(t *testing.T) {
	client := &fakeBackend{reclaimErr: &backend.StatusError{StatusCode: 503}}
	c, _ := newCoordinator(nil, nil, client)

	_, err := c.Reclaim(context.Background(), Request{ObjectType: "table", IDs: []int{1}})
	var coded *failure.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, failure.BackendError, coded.Code)
	assert.Equal(t, failure.CategoryUnavailable, coded.Category)
	assert.Equal(t, "reclaim", coded.Mode)
}

func TestAllocateUnknownMode(t *testing.T) {
	c, _ := newCoordinator(nil, nil, nil)
	_, err := c.Allocate(context.Background(), Request{Mode: "steal", ObjectType: "table"})
	assert.Equal(t, failure.InvalidParameter, failure.CodeOf(err))
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode(" Reserve ")
	require.NoError(t, err)
	assert.Equal(t, ModeReserve, m)

	_, err = ParseMode("allocate")
	assert.Equal(t, failure.InvalidParameter, failure.CodeOf(err))
}
