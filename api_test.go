package reconcile

import (
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestApiAttachesBearerJwt(t *testing.T) {
	fix := newFixtureServer()
	defer fix.Close()

	api := NewAurumApi(fix.Url())
	api.SetByJwt("test-jwt")
	defer api.Close()

	_, err := api.ListRecordsSync("areas", AreaAdapter().ListQuery(activeFilter()), false)
	assert.Equal(t, nil, err)

	fix.stateLock.Lock()
	header := fix.authHeaders[0]
	fix.stateLock.Unlock()
	assert.Equal(t, "Bearer test-jwt", header)
}

func TestApiDelete404IsErrNotFound(t *testing.T) {
	fix := newFixtureServer()
	defer fix.Close()

	api := NewAurumApi(fix.Url())
	defer api.Close()

	// the api layer reports the 404 as-is; the coordinator's delete path
	// decides it counts as success
	_, err := api.DeleteRecordSync("areas", "missing")
	assert.Equal(t, true, IsNotFound(err))
}

func TestApiNetworkError(t *testing.T) {
	fix := newFixtureServer()
	url := fix.Url()
	fix.Close()

	api := NewAurumApi(url)
	defer api.Close()

	_, err := api.ListRecordsSync("areas", AreaAdapter().ListQuery(activeFilter()), false)
	var networkErr *NetworkError
	assert.Equal(t, true, errors.As(err, &networkErr))
}

func TestApiCallbackDelivery(t *testing.T) {
	fix := newFixtureServer()
	defer fix.Close()

	api := NewAurumApi(fix.Url())
	defer api.Close()

	fix.Seed("tasks", Record{"id": "t1", "name": "Run 5k"})

	callback, c := NewBlockingApiCallback[[]Record]()
	api.ListRecords("tasks", TaskAdapter().ListQuery(activeFilter()), false, callback)

	select {
	case result := <-c:
		assert.Equal(t, nil, result.Error)
		assert.Equal(t, 1, len(result.Result))
		assert.Equal(t, "t1", result.Result[0].Id())
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for the callback")
	}
}

func TestClassifyStatus(t *testing.T) {
	assert.Equal(t, true, IsNotFound(classifyStatus(404, nil)))

	err := classifyStatus(422, []byte(`{"detail": "name too long"}`))
	var validationErr *ValidationError
	assert.Equal(t, true, errors.As(err, &validationErr))
	assert.Equal(t, "name too long", validationErr.Message)

	err = classifyStatus(429, []byte(`{"detail": "quota exhausted"}`))
	var throttledErr *ThrottledError
	assert.Equal(t, true, errors.As(err, &throttledErr))
	assert.Equal(t, "quota exhausted", throttledErr.Message)

	err = classifyStatus(503, nil)
	var serverErr *ServerError
	assert.Equal(t, true, errors.As(err, &serverErr))
	assert.Equal(t, 503, serverErr.StatusCode)
}
