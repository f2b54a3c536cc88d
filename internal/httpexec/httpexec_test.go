package httpexec

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aicc6/weather-flick-batch/internal/keyregistry"
)

func TestClassifyRateLimitedByStatus(t *testing.T) {
	class, err := classify(429, nil, nil)
	assert.Equal(t, ClassRateLimited, class)
	assert.Error(t, err)
}

func TestClassifyRateLimitedByBodyMarker(t *testing.T) {
	class, _ := classify(200, []byte("LIMITED_NUMBER_OF_SERVICE_REQUESTS_EXCEEDS"), nil)
	assert.Equal(t, ClassRateLimited, class)
}

func TestClassifyAuthByStatus(t *testing.T) {
	class, _ := classify(401, nil, nil)
	assert.Equal(t, ClassAuth, class)
}

func TestClassifyAuthByBodyMarker(t *testing.T) {
	class, _ := classify(200, []byte("SERVICE_KEY_IS_NOT_REGISTERED"), nil)
	assert.Equal(t, ClassAuth, class)
}

func TestClassifyTransientOn5xx(t *testing.T) {
	class, _ := classify(503, nil, nil)
	assert.Equal(t, ClassTransient, class)
}

func TestClassifyOkOn200(t *testing.T) {
	class, err := classify(200, []byte(`{"ok":true}`), nil)
	assert.Equal(t, ClassOk, class)
	assert.NoError(t, err)
}

func TestOutcomeForMapping(t *testing.T) {
	assert.Equal(t, keyregistry.OutcomeOk, outcomeFor(ClassOk))
	assert.Equal(t, keyregistry.OutcomeRateLimited, outcomeFor(ClassRateLimited))
	assert.Equal(t, keyregistry.OutcomeAuthError, outcomeFor(ClassAuth))
	assert.Equal(t, keyregistry.OutcomeTransientError, outcomeFor(ClassTransient))
}
