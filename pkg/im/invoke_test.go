package im

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backkem/imengine/pkg/acl"
	"github.com/backkem/imengine/pkg/datamodel"
	"github.com/backkem/imengine/pkg/im/message"
	"github.com/backkem/imengine/pkg/tlv"
)

func ref(v uint16) *uint16 { return &v }

func echoArgs(t *testing.T, v uint64) []byte {
	t.Helper()
	w := tlv.NewWriter()
	require.NoError(t, echoFields(v)(w, tlv.Anonymous()))
	return w.Bytes()
}

func echoed(t *testing.T, raw []byte) uint64 {
	t.Helper()
	r, err := tlv.ReadElement(raw)
	require.NoError(t, err)
	var v uint64
	require.NoError(t, r.ForEach(func(r *tlv.Reader) error {
		if r.Tag().IsContextNumber(0) {
			v, err = r.Uint()
		}
		return err
	}))
	return v
}

func decodeInvoke(t *testing.T, payload []byte) []message.InvokeResponseIB {
	t.Helper()
	var m message.InvokeResponseMessage
	require.NoError(t, m.Decode(payload))
	return m.InvokeResponses
}

func invoke(cmds ...message.CommandDataIB) *message.InvokeRequestMessage {
	return &message.InvokeRequestMessage{InvokeRequests: cmds}
}

func commandStatus(t *testing.T, resp message.InvokeResponseIB) datamodel.Status {
	t.Helper()
	require.NotNil(t, resp.Status)
	return resp.Status.Status.Status
}

func TestInvoke_Echo(t *testing.T) {
	h := newHarness(t)
	ex := h.exchange(operatorNode)

	resps := decodeInvoke(t, onlyMessage(t, h.send(ex, message.OpcodeInvokeRequest, invoke(
		message.CommandDataIB{Path: cmdPath(1, cmdEcho), Fields: echoArgs(t, 5), Ref: ref(1)},
	)), message.OpcodeInvokeResponse))

	require.Len(t, resps, 1)
	require.NotNil(t, resps[0].Command)
	cmd := resps[0].Command
	assert.Equal(t, message.CommandPathFor(datamodel.ConcreteCommandPath{Endpoint: 1, Cluster: fixtureCluster, Command: cmdEchoResponse}), cmd.Path)
	assert.Equal(t, ref(1), cmd.Ref)
	assert.Equal(t, uint64(5), echoed(t, cmd.Fields))
	assert.Empty(t, h.engine.batches)
}

func TestInvoke_SingleCommandWithoutRef(t *testing.T) {
	h := newHarness(t)
	resps := decodeInvoke(t, onlyMessage(t, h.send(h.exchange(operatorNode), message.OpcodeInvokeRequest, invoke(
		message.CommandDataIB{Path: cmdPath(2, cmdTimed)},
	)), message.OpcodeInvokeResponse))
	require.Len(t, resps, 1)
	assert.Equal(t, datamodel.StatusNeedsTimedInteraction, commandStatus(t, resps[0]))
	assert.Nil(t, resps[0].Status.Ref)
}

func TestInvoke_BatchNeedsRefs(t *testing.T) {
	h := newHarness(t)
	payload := onlyMessage(t, h.send(h.exchange(operatorNode), message.OpcodeInvokeRequest, invoke(
		message.CommandDataIB{Path: cmdPath(1, cmdEcho), Ref: ref(1)},
		message.CommandDataIB{Path: cmdPath(2, cmdEcho)},
	)), message.OpcodeStatusResponse)
	assert.Equal(t, datamodel.StatusInvalidAction, decodeStatus(t, payload))

	payload = onlyMessage(t, h.send(h.exchange(operatorNode), message.OpcodeInvokeRequest, invoke()), message.OpcodeStatusResponse)
	assert.Equal(t, datamodel.StatusInvalidAction, decodeStatus(t, payload))
}

// A repeated reference is answered with Failure and never reaches the
// handler; the first command with that reference still completes.
func TestInvoke_DuplicateRef(t *testing.T) {
	h := newHarness(t)
	ex := h.exchange(operatorNode)
	assert.Empty(t, h.send(ex, message.OpcodeInvokeRequest, invoke(
		message.CommandDataIB{Path: cmdPath(1, cmdDeferred), Ref: ref(7)},
		message.CommandDataIB{Path: cmdPath(2, cmdDeferred), Ref: ref(7)},
	)))
	require.Len(t, h.ep1.deferred, 1)
	assert.Empty(t, h.ep2.deferred)

	require.NoError(t, h.ep1.deferred[0].SuccessStatus())
	resps := decodeInvoke(t, onlyMessage(t, ex.take(), message.OpcodeInvokeResponse))
	require.Len(t, resps, 2)
	assert.Equal(t, datamodel.StatusFailure, commandStatus(t, resps[0]))
	assert.Equal(t, cmdPath(2, cmdDeferred), resps[0].Status.Path)
	assert.Equal(t, datamodel.StatusSuccess, commandStatus(t, resps[1]))
	assert.Equal(t, cmdPath(1, cmdDeferred), resps[1].Status.Path)
	for _, r := range resps {
		assert.Equal(t, ref(7), r.Status.Ref)
	}
}

func TestInvoke_DuplicateRefAfterResponse(t *testing.T) {
	h := newHarness(t)
	resps := decodeInvoke(t, onlyMessage(t, h.send(h.exchange(operatorNode), message.OpcodeInvokeRequest, invoke(
		message.CommandDataIB{Path: cmdPath(1, cmdEcho), Fields: echoArgs(t, 1), Ref: ref(7)},
		message.CommandDataIB{Path: cmdPath(2, cmdEcho), Fields: echoArgs(t, 2), Ref: ref(7)},
		message.CommandDataIB{Path: cmdPath(2, cmdEcho), Fields: echoArgs(t, 3), Ref: ref(8)},
	)), message.OpcodeInvokeResponse))

	require.Len(t, resps, 3)
	require.NotNil(t, resps[0].Command)
	assert.Equal(t, uint64(1), echoed(t, resps[0].Command.Fields))
	assert.Equal(t, datamodel.StatusFailure, commandStatus(t, resps[1]))
	assert.Equal(t, ref(7), resps[1].Status.Ref)
	require.NotNil(t, resps[2].Command)
	assert.Equal(t, uint64(3), echoed(t, resps[2].Command.Fields))
}

// Both commands answer synchronously, so the first reference is no longer
// pending when the repeat arrives.
func TestInvoke_DuplicateRefSynchronous(t *testing.T) {
	h := newHarness(t)
	resps := decodeInvoke(t, onlyMessage(t, h.send(h.exchange(operatorNode), message.OpcodeInvokeRequest, invoke(
		message.CommandDataIB{Path: cmdPath(1, cmdEcho), Fields: echoArgs(t, 1), Ref: ref(5)},
		message.CommandDataIB{Path: cmdPath(1, cmdEcho), Fields: echoArgs(t, 2), Ref: ref(5)},
	)), message.OpcodeInvokeResponse))

	assert.Equal(t, 1, h.ep1.echoes, "repeat never reaches the handler")
	require.Len(t, resps, 2)
	require.NotNil(t, resps[0].Command)
	assert.Equal(t, uint64(1), echoed(t, resps[0].Command.Fields))
	assert.Equal(t, ref(5), resps[0].Command.Ref)
	require.NotNil(t, resps[1].Status)
	assert.Equal(t, datamodel.StatusFailure, commandStatus(t, resps[1]))
	assert.Equal(t, ref(5), resps[1].Status.Ref)
	assert.Empty(t, h.engine.batches)
}

func TestInvoke_Deferred(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)
	h := newHarness(t, func(cfg *EngineConfig) { cfg.Metrics = metrics })
	ex := h.exchange(operatorNode)

	sent := h.send(ex, message.OpcodeInvokeRequest, invoke(
		message.CommandDataIB{Path: cmdPath(1, cmdEcho), Fields: echoArgs(t, 4), Ref: ref(1)},
		message.CommandDataIB{Path: cmdPath(1, cmdDeferred), Ref: ref(2)},
	))
	assert.Empty(t, sent)
	require.Len(t, h.ep1.deferred, 1)
	assert.Len(t, h.engine.batches, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.pendingInvokes))

	require.NoError(t, h.ep1.deferred[0].FailureCluster(0x03))
	resps := decodeInvoke(t, onlyMessage(t, ex.take(), message.OpcodeInvokeResponse))
	require.Len(t, resps, 2)
	require.NotNil(t, resps[0].Command)
	assert.Equal(t, uint64(4), echoed(t, resps[0].Command.Fields))
	assert.Equal(t, datamodel.StatusFailure, commandStatus(t, resps[1]))
	assert.Equal(t, ref(2), resps[1].Status.Ref)
	require.NotNil(t, resps[1].Status.Status.ClusterStatus)
	assert.Equal(t, uint8(0x03), *resps[1].Status.Status.ClusterStatus)

	assert.Empty(t, h.engine.batches)
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.pendingInvokes))
	assert.ErrorIs(t, h.ep1.deferred[0].SuccessStatus(), datamodel.ErrResponseAlreadySent)
}

func TestInvoke_SilentHandlerFails(t *testing.T) {
	h := newHarness(t)
	resps := decodeInvoke(t, onlyMessage(t, h.send(h.exchange(operatorNode), message.OpcodeInvokeRequest, invoke(
		message.CommandDataIB{Path: cmdPath(1, cmdSilent), Ref: ref(3)},
	)), message.OpcodeInvokeResponse))
	require.Len(t, resps, 1)
	assert.Equal(t, datamodel.StatusFailure, commandStatus(t, resps[0]))
	assert.Equal(t, ref(3), resps[0].Status.Ref)
}

func TestInvoke_Statuses(t *testing.T) {
	h := newHarness(t)
	pase := acl.SubjectDescriptor{AuthMode: acl.AuthModePASE, IsCommissioning: true}
	group := acl.SubjectDescriptor{FabricIndex: 1, AuthMode: acl.AuthModeGroup, Subject: 0x0101}
	ep := datamodel.EndpointID(1)
	tests := []struct {
		name    string
		subject acl.SubjectDescriptor
		path    message.CommandPathIB
		fields  []byte
		want    datamodel.Status
	}{
		{"unknown command", caseSubject(operatorNode), cmdPath(1, 0x42), nil, datamodel.StatusUnsupportedCommand},
		{"generated command", caseSubject(operatorNode), cmdPath(1, cmdEchoResponse), nil, datamodel.StatusUnsupportedCommand},
		{"missing endpoint", caseSubject(adminNode), cmdPath(9, cmdEcho), nil, datamodel.StatusUnsupportedEndpoint},
		{"missing cluster", caseSubject(adminNode), message.CommandPathIB{Endpoint: &ep, Cluster: 0x9999}, nil, datamodel.StatusUnsupportedCluster},
		{"hidden endpoint", caseSubject(strangerNode), cmdPath(9, cmdEcho), nil, datamodel.StatusUnsupportedAccess},
		{"viewer", caseSubject(viewerNode), cmdPath(1, cmdEcho), nil, datamodel.StatusUnsupportedAccess},
		{"needs timed", caseSubject(operatorNode), cmdPath(1, cmdTimed), nil, datamodel.StatusNeedsTimedInteraction},
		{"fabric scoped over PASE", pase, cmdPath(1, cmdFabric), nil, datamodel.StatusUnsupportedAccess},
		{"fabric scoped", caseSubject(operatorNode), cmdPath(1, cmdFabric), nil, datamodel.StatusSuccess},
		{"group", group, cmdPath(1, cmdEcho), nil, datamodel.StatusInvalidAction},
		{"wildcard endpoint", caseSubject(operatorNode), message.CommandPathIB{Cluster: fixtureCluster, Command: cmdEcho}, nil, datamodel.StatusInvalidAction},
		{"fields not a structure", caseSubject(operatorNode), cmdPath(1, cmdEcho), uintValue(t, 1), datamodel.StatusInvalidCommand},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := &fakeExchange{subject: tt.subject, session: 1, exchange: 1}
			resps := decodeInvoke(t, onlyMessage(t, h.send(ex, message.OpcodeInvokeRequest, invoke(
				message.CommandDataIB{Path: tt.path, Fields: tt.fields, Ref: ref(1)},
			)), message.OpcodeInvokeResponse))
			require.Len(t, resps, 1)
			assert.Equal(t, tt.want, commandStatus(t, resps[0]))
			assert.Equal(t, tt.path, resps[0].Status.Path)
		})
	}
}

func TestInvoke_Timed(t *testing.T) {
	h := newHarness(t)
	ex := h.exchange(operatorNode)
	payload := onlyMessage(t, h.send(ex, message.OpcodeTimedRequest, &message.TimedRequestMessage{Timeout: 100}), message.OpcodeStatusResponse)
	require.Equal(t, datamodel.StatusSuccess, decodeStatus(t, payload))

	req := invoke(message.CommandDataIB{Path: cmdPath(1, cmdTimed), Ref: ref(1)})
	req.TimedRequest = true
	resps := decodeInvoke(t, onlyMessage(t, h.send(ex, message.OpcodeInvokeRequest, req), message.OpcodeInvokeResponse))
	require.Len(t, resps, 1)
	assert.Equal(t, datamodel.StatusSuccess, commandStatus(t, resps[0]))

	// The window was used up by the first invoke.
	payload = onlyMessage(t, h.send(ex, message.OpcodeInvokeRequest, req), message.OpcodeStatusResponse)
	assert.Equal(t, datamodel.StatusTimedRequestMismatch, decodeStatus(t, payload))
}

func TestInvoke_SuppressResponse(t *testing.T) {
	h := newHarness(t)
	req := invoke(message.CommandDataIB{Path: cmdPath(1, cmdEcho), Fields: echoArgs(t, 1), Ref: ref(1)})
	req.SuppressResponse = true
	assert.Empty(t, h.send(h.exchange(operatorNode), message.OpcodeInvokeRequest, req))
	assert.Empty(t, h.engine.batches)
}

func TestInvoke_SessionCloseAbortsDeferred(t *testing.T) {
	h := newHarness(t)
	ex := h.exchange(operatorNode)
	assert.Empty(t, h.send(ex, message.OpcodeInvokeRequest, invoke(
		message.CommandDataIB{Path: cmdPath(1, cmdDeferred), Ref: ref(1)},
		message.CommandDataIB{Path: cmdPath(2, cmdDeferred), Ref: ref(2)},
	)))
	require.Len(t, h.ep1.deferred, 1)
	require.Len(t, h.ep2.deferred, 1)

	h.engine.OnSessionClosed(ex.SessionID())
	assert.Empty(t, h.engine.batches)

	assert.ErrorIs(t, h.ep1.deferred[0].Success(cmdEchoResponse, echoFields(1)), ErrInteractionAborted)
	assert.NoError(t, h.ep2.deferred[0].SuccessStatus())
	assert.Empty(t, ex.take())
}
