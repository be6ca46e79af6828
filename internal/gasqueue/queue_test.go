package gasqueue

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pisa/pkg/models"
)

func request(appointmentID string, idealGas int64) *models.GasQueueItemRequest {
	return &models.GasQueueItemRequest{
		AppointmentID: appointmentID,
		Identifier:    models.TxId{Data: appointmentID},
		IdealGas:      big.NewInt(idealGas),
	}
}

// assertGasNonIncreasing checks the §3 GasQueueItem invariant: currentGas
// must never increase moving down the queue by position/nonce.
func assertGasNonIncreasing(t *testing.T, items []*models.GasQueueItem) {
	t.Helper()
	for i := 1; i < len(items); i++ {
		assert.True(t, items[i-1].CurrentGas.Cmp(items[i].CurrentGas) >= 0,
			"gas must be non-increasing by position: item %d (%s) has gas %s but item %d (%s) has gas %s",
			i-1, items[i-1].AppointmentID, items[i-1].CurrentGas, i, items[i].AppointmentID, items[i].CurrentGas)
	}
}

func TestAddOrdersByGasDescendingAndStampsPositionalNonces(t *testing.T) {
	q := New(5, 10, 10)
	q = q.Add(request("a", 100))
	q = q.Add(request("b", 50))
	q = q.Add(request("c", 200))

	items := q.Items()
	require.Len(t, items, 3)
	assert.Equal(t, "c", items[0].AppointmentID)
	assert.Equal(t, "a", items[1].AppointmentID)
	assert.Equal(t, "b", items[2].AppointmentID)

	assert.Equal(t, uint64(5), items[0].Nonce)
	assert.Equal(t, uint64(6), items[1].Nonce)
	assert.Equal(t, uint64(7), items[2].Nonce)

	assertGasNonIncreasing(t, items)
}

func TestAddKeepsNewItemAtIdealGas(t *testing.T) {
	q := New(0, 10, 10)
	q = q.Add(request("a", 100))
	// b's ideal gas (95) sorts it behind a; since b is a brand-new
	// broadcast it keeps its ideal gas untouched rather than being
	// bumped to clear any floor over a.
	q = q.Add(request("b", 95))

	items := q.Items()
	require.Len(t, items, 2)
	assert.Equal(t, "a", items[0].AppointmentID)
	assert.Equal(t, "b", items[1].AppointmentID)
	assert.Equal(t, big.NewInt(100), items[0].CurrentGas)
	assert.Equal(t, big.NewInt(95), items[1].CurrentGas)
	assert.Equal(t, 0, items[1].BumpCount)

	assertGasNonIncreasing(t, items)
}

// TestQueuePromotionMatchesSpecWorkedExample reproduces spec.md §8's
// "Queue promotion" scenario numbers exactly: starting from
// [g=10,n=0],[g=5,n=1] with a 13% replacement rate, inserting a new
// item at g=8 must yield [10,n=0],[8,n=1],[6,n=2] — the displaced
// item's own prior gas (5) bumped by the rate (ceil(5*1.13)=6), not
// bumped relative to its new neighbor (8).
func TestQueuePromotionMatchesSpecWorkedExample(t *testing.T) {
	q := New(0, 10, 13)
	q = q.Add(request("front", 10))
	q = q.Add(request("back", 5))
	q = q.Add(request("middle", 8))

	items := q.Items()
	require.Len(t, items, 3)

	assert.Equal(t, "front", items[0].AppointmentID)
	assert.Equal(t, big.NewInt(10), items[0].CurrentGas)
	assert.Equal(t, uint64(0), items[0].Nonce)

	assert.Equal(t, "middle", items[1].AppointmentID)
	assert.Equal(t, big.NewInt(8), items[1].CurrentGas)
	assert.Equal(t, uint64(1), items[1].Nonce)

	assert.Equal(t, "back", items[2].AppointmentID)
	assert.Equal(t, big.NewInt(6), items[2].CurrentGas)
	assert.Equal(t, uint64(2), items[2].Nonce)
	assert.Equal(t, 1, items[2].BumpCount)

	assertGasNonIncreasing(t, items)
}

func TestAddDisplacesMultipleItemsIndependently(t *testing.T) {
	q := New(0, 10, 10)
	q = q.Add(request("a", 100))
	q = q.Add(request("b", 90))
	q = q.Add(request("c", 80))
	// Inserting ahead of all three displaces every one of them; each
	// bumps off its own prior gas, not a running cascade off its new
	// neighbor.
	q = q.Add(request("d", 200))

	items := q.Items()
	require.Len(t, items, 4)
	assert.Equal(t, "d", items[0].AppointmentID)
	assert.Equal(t, big.NewInt(200), items[0].CurrentGas)

	assert.Equal(t, "a", items[1].AppointmentID)
	assert.Equal(t, big.NewInt(110), items[1].CurrentGas) // ceil(100*1.10)

	assert.Equal(t, "b", items[2].AppointmentID)
	assert.Equal(t, big.NewInt(99), items[2].CurrentGas) // ceil(90*1.10)

	assert.Equal(t, "c", items[3].AppointmentID)
	assert.Equal(t, big.NewInt(88), items[3].CurrentGas) // ceil(80*1.10)

	assertGasNonIncreasing(t, items)
}

func TestDepthReached(t *testing.T) {
	q := New(0, 2, 10)
	assert.False(t, q.DepthReached())
	q = q.Add(request("a", 100))
	assert.False(t, q.DepthReached())
	q = q.Add(request("b", 100))
	assert.True(t, q.DepthReached())
}

func TestDequeueRemovesFrontAndRestampsNonces(t *testing.T) {
	q := New(5, 10, 10)
	q = q.Add(request("a", 200))
	q = q.Add(request("b", 100))

	next, dequeued := q.Dequeue()
	require.NotNil(t, dequeued)
	assert.Equal(t, "a", dequeued.AppointmentID)
	require.Equal(t, 1, next.Len())
	assert.Equal(t, uint64(5), next.Items()[0].Nonce)
}

func TestConsumeRemovesMatchingIdentifierAndShiftsNoncesDown(t *testing.T) {
	q := New(3, 10, 10)
	a := request("a", 200)
	b := request("b", 100)
	c := request("c", 50)
	q = q.Add(a).Add(b).Add(c)

	next, removed := q.Consume(b.Identifier)
	require.NotNil(t, removed)
	assert.Equal(t, "b", removed.AppointmentID)
	require.Equal(t, 2, next.Len())
	assert.False(t, next.Contains(b.Identifier))

	items := next.Items()
	assert.Equal(t, "a", items[0].AppointmentID)
	assert.Equal(t, uint64(3), items[0].Nonce)
	assert.Equal(t, "c", items[1].AppointmentID)
	assert.Equal(t, uint64(4), items[1].Nonce)
}

func TestContains(t *testing.T) {
	q := New(0, 10, 10)
	a := request("a", 100)
	q = q.Add(a)
	assert.True(t, q.Contains(a.Identifier))
	assert.False(t, q.Contains(models.TxId{Data: "missing"}))
}
