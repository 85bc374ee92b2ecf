package ua_test

import (
	"testing"
	"time"

	"github.com/convertersystems/opcua-subscriptions/ua"
	"github.com/pkg/errors"
	"gotest.tools/assert"
)

func TestDeserializeBaseEvent(t *testing.T) {
	now := time.Now().UTC()
	f := []ua.Variant{
		ua.ByteString("foo"),
		ua.NewNodeIDString(1, "bar"),
		"source",
		now,
		ua.NewLocalizedText("Temperature is high.", "en"),
		uint16(255),
	}
	e := ua.BaseEvent{}
	if err := e.UnmarshalFields(f); err != nil {
		t.Error(errors.Wrap(err, "Error unmarshalling fields"))
	}
	assert.Equal(t, e.EventID, ua.ByteString("foo"))
	assert.Equal(t, e.EventType, ua.NodeID(ua.NewNodeIDString(1, "bar")))
	assert.Equal(t, e.SourceName, "source")
	assert.Equal(t, e.Time, now)
	assert.Equal(t, e.Severity, uint16(255))
}

func TestDeserializeBaseEventWrongLength(t *testing.T) {
	e := ua.BaseEvent{}
	err := e.UnmarshalFields([]ua.Variant{ua.ByteString("foo")})
	assert.Equal(t, err, error(ua.BadUnexpectedError))
}

func TestSelectBaseEvent(t *testing.T) {
	e := &ua.BaseEvent{
		EventID:    ua.ByteString("id"),
		EventType:  ua.ObjectTypeIDBaseEventType,
		SourceName: "Boiler",
		Severity:   500,
	}
	clauses := []ua.SimpleAttributeOperand{
		ua.BaseEventSelectClauses[5],
		ua.BaseEventSelectClauses[2],
		{TypeDefinitionID: ua.ObjectTypeIDBaseEventType, BrowsePath: ua.ParseBrowsePath("Unknown"), AttributeID: ua.AttributeIDValue},
	}
	fields := e.Select(clauses)
	assert.DeepEqual(t, fields, []ua.Variant{uint16(500), "Boiler", nil})

	round := ua.BaseEvent{}
	assert.NilError(t, round.UnmarshalFields(e.Select(ua.BaseEventSelectClauses)))
	assert.Equal(t, round.SourceName, "Boiler")
}

func TestParseNodeID(t *testing.T) {
	cases := []struct {
		s    string
		want ua.NodeID
	}{
		{"i=85", ua.NewNodeIDNumeric(0, 85)},
		{"ns=2;i=11714", ua.NewNodeIDNumeric(2, 11714)},
		{"ns=2;s=Demo.Float", ua.NewNodeIDString(2, "Demo.Float")},
		{"ns=2;x=1", nil},
		{"ns=2", nil},
	}
	for _, c := range cases {
		assert.Equal(t, ua.ParseNodeID(c.s), c.want, c.s)
	}
	assert.Equal(t, ua.ParseNodeID(ua.NewNodeIDNumeric(3, 7).String()), ua.NodeID(ua.NewNodeIDNumeric(3, 7)))
}

func TestStatusCodeSeverity(t *testing.T) {
	assert.Assert(t, ua.Good.IsGood())
	assert.Assert(t, ua.BadNoSubscription.IsBad())
	assert.Assert(t, ua.Uncertain.IsUncertain())
	assert.Equal(t, uint32(ua.BadTooManyPublishRequests), uint32(0x80780000))
	assert.Equal(t, ua.BadMessageNotAvailable.Error(), "The requested notification message is no longer available.")
}
