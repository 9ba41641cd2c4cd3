package models

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAlertEventIDIsStable(t *testing.T) {
	base := AlertEvent{CameraID: "5", SubjectID: "a2", Kind: AlertKindAbandoned, EpochFrame: 1_700_000_601_000}

	first := NewAlertEvent(base)
	again := NewAlertEvent(base)
	assert.Equal(t, first.AlertID, again.AlertID)

	id, err := uuid.Parse(first.AlertID)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(5), id.Version())

	later := base
	later.EpochFrame++
	assert.NotEqual(t, first.AlertID, NewAlertEvent(later).AlertID)

	permanence := base
	permanence.Kind = AlertKindPermanence
	permanence.ZoneID = "21"
	otherZone := permanence
	otherZone.ZoneID = "22"
	assert.NotEqual(t, NewAlertEvent(permanence).AlertID, NewAlertEvent(otherZone).AlertID)
}
