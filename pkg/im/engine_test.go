package im

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backkem/imengine/pkg/acl"
	"github.com/backkem/imengine/pkg/datamodel"
	"github.com/backkem/imengine/pkg/im/message"
	"github.com/backkem/imengine/pkg/storage"
	"github.com/backkem/imengine/pkg/tlv"
)

func readRequest(paths ...message.AttributePathIB) *message.ReadRequestMessage {
	return &message.ReadRequestMessage{AttributeRequests: paths, FabricFiltered: true}
}

func TestEngine_NewEngineRequiresProvider(t *testing.T) {
	_, err := NewEngine(EngineConfig{})
	require.Error(t, err)
}

func TestEngine_ReadConcrete(t *testing.T) {
	h := newHarness(t)
	h.ep1.values[attrValue] = 7
	ex := h.exchange(adminNode)

	payload := onlyMessage(t, h.send(ex, message.OpcodeReadRequest, readRequest(attrPath(1, attrValue))), message.OpcodeReportData)
	report := decodeReport(t, payload)
	assert.Nil(t, report.SubscriptionID)
	assert.True(t, report.SuppressResponse)
	assert.False(t, report.MoreChunkedMessages)
	require.Len(t, report.AttributeReports, 1)

	data := report.AttributeReports[0].AttributeData
	require.NotNil(t, data)
	require.NotNil(t, data.DataVersion)
	assert.Equal(t, h.ep1.DataVersion(), *data.DataVersion)
	assert.Equal(t, uint64(7), decodeUint(t, data.Data))
	assert.Empty(t, h.engine.reports)
}

// Unknown attributes are rejected from metadata alone; the provider never
// sees the read.
func TestEngine_ReadUnknownAttributeSkipsProvider(t *testing.T) {
	h := newHarness(t)
	ex := h.exchange(adminNode)

	report := decodeReport(t, onlyMessage(t, h.send(ex, message.OpcodeReadRequest, readRequest(attrPath(1, 0x0042))), message.OpcodeReportData))
	_, statuses := reportedPaths(t, report.AttributeReports)
	assert.Equal(t, []datamodel.Status{datamodel.StatusUnsupportedAttribute}, statuses)
	assert.Equal(t, 0, h.counting.reads)

	_, err := h.engine.ReadAttribute(caseSubject(adminNode), datamodel.ConcreteAttributePath{Endpoint: 1, Cluster: fixtureCluster, Attribute: 0x0042})
	assert.ErrorIs(t, err, datamodel.ErrUnsupportedAttribute)
	assert.Equal(t, 0, h.counting.reads)
}

func TestEngine_ReadStatuses(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		name    string
		node    uint64
		path    datamodel.ConcreteAttributePath
		wantErr error
	}{
		{"missing endpoint", adminNode, datamodel.ConcreteAttributePath{Endpoint: 9, Cluster: fixtureCluster}, datamodel.ErrUnsupportedEndpoint},
		{"missing cluster", adminNode, datamodel.ConcreteAttributePath{Endpoint: 1, Cluster: 0x9999}, datamodel.ErrUnsupportedCluster},
		{"missing endpoint hidden", strangerNode, datamodel.ConcreteAttributePath{Endpoint: 9, Cluster: fixtureCluster}, datamodel.ErrUnsupportedAccess},
		{"missing cluster hidden", strangerNode, datamodel.ConcreteAttributePath{Endpoint: 1, Cluster: 0x9999}, datamodel.ErrUnsupportedAccess},
		{"no view", strangerNode, datamodel.ConcreteAttributePath{Endpoint: 1, Cluster: fixtureCluster, Attribute: attrValue}, datamodel.ErrUnsupportedAccess},
		{"read privilege", viewerNode, datamodel.ConcreteAttributePath{Endpoint: 1, Cluster: fixtureCluster, Attribute: attrAdminRead}, datamodel.ErrUnsupportedAccess},
		{"write only", adminNode, datamodel.ConcreteAttributePath{Endpoint: 1, Cluster: fixtureCluster, Attribute: attrWriteOnly}, datamodel.ErrUnsupportedRead},
		{"global", viewerNode, datamodel.ConcreteAttributePath{Endpoint: 2, Cluster: fixtureCluster, Attribute: datamodel.GlobalAttrClusterRevision}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.ReadAttribute(caseSubject(tt.node), tt.path)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)

			ex := h.exchange(tt.node)
			report := decodeReport(t, onlyMessage(t, h.send(ex, message.OpcodeReadRequest, readRequest(message.AttributePathFor(tt.path))), message.OpcodeReportData))
			_, statuses := reportedPaths(t, report.AttributeReports)
			assert.Equal(t, []datamodel.Status{datamodel.StatusOf(tt.wantErr)}, statuses)
		})
	}
}

func expectedWildcardPaths(readable func(datamodel.AttributeEntry) bool) []datamodel.ConcreteAttributePath {
	var out []datamodel.ConcreteAttributePath
	for _, ep := range []datamodel.EndpointID{1, 2} {
		for _, a := range fixtureMeta.Attributes() {
			if readable(a) {
				out = append(out, datamodel.ConcreteAttributePath{Endpoint: ep, Cluster: fixtureCluster, Attribute: a.ID})
			}
		}
	}
	return out
}

func TestEngine_WildcardReadAscending(t *testing.T) {
	h := newHarness(t)
	cluster := fixtureCluster
	wildcard := message.AttributePathIB{Cluster: &cluster}

	t.Run("admin", func(t *testing.T) {
		report := decodeReport(t, onlyMessage(t, h.send(h.exchange(adminNode), message.OpcodeReadRequest, readRequest(wildcard)), message.OpcodeReportData))
		paths, statuses := reportedPaths(t, report.AttributeReports)
		assert.Equal(t, expectedWildcardPaths(datamodel.AttributeEntry.Readable), paths)
		for _, s := range statuses {
			assert.Equal(t, datamodel.StatusSuccess, s)
		}
	})

	t.Run("viewer skips what it cannot read", func(t *testing.T) {
		report := decodeReport(t, onlyMessage(t, h.send(h.exchange(viewerNode), message.OpcodeReadRequest, readRequest(wildcard)), message.OpcodeReportData))
		paths, _ := reportedPaths(t, report.AttributeReports)
		assert.Equal(t, expectedWildcardPaths(func(a datamodel.AttributeEntry) bool {
			return a.Readable() && *a.ReadPrivilege == datamodel.PrivilegeView
		}), paths)
	})

	t.Run("stranger sees nothing", func(t *testing.T) {
		report := decodeReport(t, onlyMessage(t, h.send(h.exchange(strangerNode), message.OpcodeReadRequest, readRequest(wildcard)), message.OpcodeReportData))
		assert.Empty(t, report.AttributeReports)
	})
}

func TestEngine_WildcardClusterWithNonGlobalAttribute(t *testing.T) {
	h := newHarness(t)
	ep := datamodel.EndpointID(1)
	attr := attrValue
	payload := onlyMessage(t, h.send(h.exchange(adminNode), message.OpcodeReadRequest, readRequest(message.AttributePathIB{Endpoint: &ep, Attribute: &attr})), message.OpcodeStatusResponse)
	assert.Equal(t, datamodel.StatusInvalidAction, decodeStatus(t, payload))

	global := datamodel.GlobalAttrClusterRevision
	report := decodeReport(t, onlyMessage(t, h.send(h.exchange(adminNode), message.OpcodeReadRequest, readRequest(message.AttributePathIB{Endpoint: &ep, Attribute: &global})), message.OpcodeReportData))
	require.Len(t, report.AttributeReports, 1)
	assert.Equal(t, uint64(3), decodeUint(t, report.AttributeReports[0].AttributeData.Data))
}

func TestEngine_ReadChunking(t *testing.T) {
	h := newHarness(t, func(cfg *EngineConfig) { cfg.MaxPayload = 160 })
	ex := h.exchange(adminNode)

	var paths []datamodel.ConcreteAttributePath
	sent := h.send(ex, message.OpcodeReadRequest, readRequest(message.AttributePathIB{}))
	chunks := 0
	for {
		report := decodeReport(t, onlyMessage(t, sent, message.OpcodeReportData))
		assert.LessOrEqual(t, len(sent[0].payload), 160)
		chunks++
		got, _ := reportedPaths(t, report.AttributeReports)
		paths = append(paths, got...)
		if !report.MoreChunkedMessages {
			assert.True(t, report.SuppressResponse)
			break
		}
		assert.False(t, report.SuppressResponse)
		require.NotEmpty(t, report.AttributeReports)
		sent = h.ack(ex)
	}
	assert.Greater(t, chunks, 1)
	assert.Equal(t, expectedWildcardPaths(datamodel.AttributeEntry.Readable), paths)
	assert.Empty(t, h.engine.reports)
}

func TestEngine_ReadChunkAbortedByPeer(t *testing.T) {
	h := newHarness(t, func(cfg *EngineConfig) { cfg.MaxPayload = 160 })
	ex := h.exchange(adminNode)

	report := decodeReport(t, onlyMessage(t, h.send(ex, message.OpcodeReadRequest, readRequest(message.AttributePathIB{})), message.OpcodeReportData))
	require.True(t, report.MoreChunkedMessages)
	require.Len(t, h.engine.reports, 1)

	assert.Empty(t, h.send(ex, message.OpcodeStatusResponse, &message.StatusResponseMessage{Status: datamodel.StatusFailure}))
	assert.Empty(t, h.engine.reports)
}

func TestEngine_DataVersionFilter(t *testing.T) {
	h := newHarness(t)
	ep := datamodel.EndpointID(1)
	cluster := fixtureCluster
	req := readRequest(attrPath(1, attrValue), attrPath(2, attrValue))
	req.DataVersionFilters = []message.DataVersionFilterIB{{
		Path:        message.ClusterPathIB{Endpoint: &ep, Cluster: &cluster},
		DataVersion: h.ep1.DataVersion(),
	}}

	report := decodeReport(t, onlyMessage(t, h.send(h.exchange(adminNode), message.OpcodeReadRequest, req), message.OpcodeReportData))
	paths, _ := reportedPaths(t, report.AttributeReports)
	assert.Equal(t, []datamodel.ConcreteAttributePath{h.ep2.AttributePath(attrValue)}, paths)

	req.DataVersionFilters[0].DataVersion++
	report = decodeReport(t, onlyMessage(t, h.send(h.exchange(adminNode), message.OpcodeReadRequest, req), message.OpcodeReportData))
	assert.Len(t, report.AttributeReports, 2)
}

func TestEngine_WriteThenRead(t *testing.T) {
	h := newHarness(t)
	ex := h.exchange(operatorNode)
	path := h.ep1.AttributePath(attrValue)
	value := uintValue(t, 42)
	before := h.ep1.DataVersion()

	payload := onlyMessage(t, h.send(ex, message.OpcodeWriteRequest, &message.WriteRequestMessage{
		WriteRequests: []message.AttributeDataIB{{Path: message.AttributePathFor(path), Data: value}},
	}), message.OpcodeWriteResponse)
	var resp message.WriteResponseMessage
	require.NoError(t, resp.Decode(payload))
	require.Len(t, resp.WriteResponses, 1)
	assert.Equal(t, datamodel.StatusSuccess, resp.WriteResponses[0].Status.Status)

	raw, err := h.engine.ReadAttribute(caseSubject(viewerNode), path)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), decodeUint(t, raw))
	assert.NotEqual(t, before, h.ep1.DataVersion())

	require.Len(t, h.changes, 1)
	assert.Equal(t, attributeChange{path: path, elemType: tlv.ElementTypeUInt8, size: 2, value: value}, h.changes[0])

	buf := make([]byte, 8)
	n, err := h.persist.SafeReadValue(path, buf)
	require.NoError(t, err)
	assert.Equal(t, value, buf[:n])

	// A fresh value comes back from storage.
	h.ep1.values[attrValue] = 0
	require.NoError(t, h.engine.RestorePersistedAttributes())
	assert.Equal(t, uint64(42), h.ep1.values[attrValue])

	// Writes to attributes outside the persisted set leave storage alone.
	require.NoError(t, h.engine.WriteAttribute(caseSubject(operatorNode), h.ep2.AttributePath(attrValue), value, false))
	assert.Equal(t, 1, h.store.Len())
}

func TestEngine_WriteStatuses(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		name    string
		node    uint64
		path    datamodel.ConcreteAttributePath
		timed   bool
		stale   bool
		wantErr error
	}{
		{"viewer", viewerNode, h.ep1.AttributePath(attrValue), false, false, datamodel.ErrUnsupportedAccess},
		{"read only", adminNode, h.ep1.AttributePath(attrReadOnly), false, false, datamodel.ErrUnsupportedWrite},
		{"global", adminNode, h.ep1.AttributePath(datamodel.GlobalAttrFeatureMap), false, false, datamodel.ErrUnsupportedWrite},
		{"unknown", adminNode, h.ep1.AttributePath(0x0042), false, false, datamodel.ErrUnsupportedAttribute},
		{"hidden endpoint", strangerNode, datamodel.ConcreteAttributePath{Endpoint: 9, Cluster: fixtureCluster}, false, false, datamodel.ErrUnsupportedAccess},
		{"missing endpoint", adminNode, datamodel.ConcreteAttributePath{Endpoint: 9, Cluster: fixtureCluster}, false, false, datamodel.ErrUnsupportedEndpoint},
		{"needs timed", operatorNode, h.ep1.AttributePath(attrTimed), false, false, datamodel.ErrNeedsTimedInteraction},
		{"timed", operatorNode, h.ep1.AttributePath(attrTimed), true, false, nil},
		{"version mismatch", operatorNode, h.ep1.AttributePath(attrValue), false, true, datamodel.ErrDataVersionMismatch},
		{"constraint", operatorNode, h.ep1.AttributePath(attrWriteOnly), false, false, datamodel.ErrConstraintError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &datamodel.WriteAttributeRequest{Path: tt.path, Subject: caseSubject(tt.node), Timed: tt.timed}
			if tt.stale {
				v := h.ep1.DataVersion() + 1
				req.DataVersion = &v
			}
			value := uintValue(t, 1)
			if tt.wantErr == datamodel.ErrConstraintError {
				value = uintValue(t, 0x1FF)
			}
			err := h.engine.writeAttribute(h.counting, req, value)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestEngine_WriteRequestPaths(t *testing.T) {
	h := newHarness(t)
	ex := h.exchange(adminNode)
	ep := datamodel.EndpointID(1)
	idx := uint16(0)
	listPath := attrPath(1, attrValue)
	listPath.ListIndex = &idx

	payload := onlyMessage(t, h.send(ex, message.OpcodeWriteRequest, &message.WriteRequestMessage{
		WriteRequests: []message.AttributeDataIB{
			{Path: message.AttributePathIB{Endpoint: &ep}, Data: uintValue(t, 1)},
			{Path: listPath, Data: uintValue(t, 1)},
			{Path: attrPath(1, attrValue), Data: uintValue(t, 5)},
		},
	}), message.OpcodeWriteResponse)
	var resp message.WriteResponseMessage
	require.NoError(t, resp.Decode(payload))
	require.Len(t, resp.WriteResponses, 3)
	assert.Equal(t, datamodel.StatusInvalidAction, resp.WriteResponses[0].Status.Status)
	assert.Equal(t, datamodel.StatusInvalidAction, resp.WriteResponses[1].Status.Status)
	assert.Equal(t, datamodel.StatusSuccess, resp.WriteResponses[2].Status.Status)

	assert.Empty(t, h.send(ex, message.OpcodeWriteRequest, &message.WriteRequestMessage{
		SuppressResponse: true,
		WriteRequests:    []message.AttributeDataIB{{Path: attrPath(1, attrValue), Data: uintValue(t, 6)}},
	}))
	assert.Equal(t, uint64(6), h.ep1.values[attrValue])

	payload = onlyMessage(t, h.send(ex, message.OpcodeWriteRequest, &message.WriteRequestMessage{
		MoreChunkedMessages: true,
		WriteRequests:       []message.AttributeDataIB{{Path: attrPath(1, attrValue), Data: uintValue(t, 7)}},
	}), message.OpcodeStatusResponse)
	assert.Equal(t, datamodel.StatusInvalidAction, decodeStatus(t, payload))
}

type failingPersistence struct{}

func (failingPersistence) SafeWriteValue(datamodel.ConcreteAttributePath, []byte) error {
	return errors.New("disk full")
}

func (failingPersistence) SafeReadValue(datamodel.ConcreteAttributePath, []byte) (int, error) {
	return 0, storage.ErrValueNotFound
}

func TestEngine_PersistenceFailureIsNotReported(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)
	h := newHarness(t, func(cfg *EngineConfig) {
		cfg.Persistence = failingPersistence{}
		cfg.Metrics = metrics
	})

	require.NoError(t, h.engine.WriteAttribute(caseSubject(operatorNode), h.ep1.AttributePath(attrValue), uintValue(t, 3), false))
	assert.Equal(t, uint64(3), h.ep1.values[attrValue])
	assert.Len(t, h.changes, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.persistenceFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.pathStatus.WithLabelValues("write", "Success")))
}

func TestEngine_TimedInteractions(t *testing.T) {
	h := newHarness(t)
	timedWrite := func(timed bool) *message.WriteRequestMessage {
		return &message.WriteRequestMessage{
			TimedRequest:  timed,
			WriteRequests: []message.AttributeDataIB{{Path: attrPath(1, attrTimed), Data: uintValue(t, 9)}},
		}
	}
	arm := func(ex *fakeExchange) {
		payload := onlyMessage(t, h.send(ex, message.OpcodeTimedRequest, &message.TimedRequestMessage{Timeout: 500}), message.OpcodeStatusResponse)
		require.Equal(t, datamodel.StatusSuccess, decodeStatus(t, payload))
	}
	writeStatus := func(payload []byte) datamodel.Status {
		var resp message.WriteResponseMessage
		require.NoError(t, resp.Decode(payload))
		require.Len(t, resp.WriteResponses, 1)
		return resp.WriteResponses[0].Status.Status
	}

	t.Run("armed", func(t *testing.T) {
		ex := h.exchange(operatorNode)
		arm(ex)
		h.clock.Add(400 * time.Millisecond)
		assert.Equal(t, datamodel.StatusSuccess, writeStatus(onlyMessage(t, h.send(ex, message.OpcodeWriteRequest, timedWrite(true)), message.OpcodeWriteResponse)))
	})

	t.Run("flag without request", func(t *testing.T) {
		ex := h.exchange(operatorNode)
		payload := onlyMessage(t, h.send(ex, message.OpcodeWriteRequest, timedWrite(true)), message.OpcodeStatusResponse)
		assert.Equal(t, datamodel.StatusTimedRequestMismatch, decodeStatus(t, payload))
	})

	t.Run("request without flag", func(t *testing.T) {
		ex := h.exchange(operatorNode)
		arm(ex)
		payload := onlyMessage(t, h.send(ex, message.OpcodeWriteRequest, timedWrite(false)), message.OpcodeStatusResponse)
		assert.Equal(t, datamodel.StatusTimedRequestMismatch, decodeStatus(t, payload))
		assert.Empty(t, h.engine.timed)
	})

	t.Run("expired", func(t *testing.T) {
		ex := h.exchange(operatorNode)
		arm(ex)
		h.clock.Add(time.Second)
		payload := onlyMessage(t, h.send(ex, message.OpcodeWriteRequest, timedWrite(true)), message.OpcodeStatusResponse)
		assert.Equal(t, datamodel.StatusTimeout, decodeStatus(t, payload))
	})

	t.Run("untimed write of timed attribute", func(t *testing.T) {
		ex := h.exchange(operatorNode)
		assert.Equal(t, datamodel.StatusNeedsTimedInteraction, writeStatus(onlyMessage(t, h.send(ex, message.OpcodeWriteRequest, timedWrite(false)), message.OpcodeWriteResponse)))
	})
}

func TestEngine_RejectsBadMessages(t *testing.T) {
	h := newHarness(t)
	ex := h.exchange(adminNode)

	h.engine.HandleMessage(ex, message.Opcode(0x42), nil)
	assert.Equal(t, datamodel.StatusInvalidAction, decodeStatus(t, onlyMessage(t, ex.take(), message.OpcodeStatusResponse)))

	h.engine.HandleMessage(ex, message.OpcodeReadRequest, []byte{0x15, 0x24})
	assert.Equal(t, datamodel.StatusInvalidAction, decodeStatus(t, onlyMessage(t, ex.take(), message.OpcodeStatusResponse)))

	// The server never answers a report it was not expecting.
	h.engine.HandleMessage(ex, message.OpcodeReportData, nil)
	assert.Equal(t, datamodel.StatusInvalidAction, decodeStatus(t, onlyMessage(t, ex.take(), message.OpcodeStatusResponse)))

	assert.Empty(t, h.ack(ex))
}

// Granting a subject more privilege never takes away an attribute it could
// already read or write.
func TestEngine_AccessIsMonotonic(t *testing.T) {
	h := newHarness(t)
	chain := []acl.Privilege{acl.PrivilegeView, acl.PrivilegeOperate, acl.PrivilegeManage, acl.PrivilegeAdminister}
	for i, p := range chain {
		require.NoError(t, h.acl.AddEntry(acl.Entry{
			FabricIndex: 1,
			Privilege:   p,
			AuthMode:    acl.AuthModeCASE,
			Subjects:    []uint64{0x10 + uint64(i)},
		}))
	}

	for _, a := range fixtureMeta.Attributes() {
		path := h.ep1.AttributePath(a.ID)
		for i := range chain {
			for j := i + 1; j < len(chain); j++ {
				low, high := caseSubject(0x10+uint64(i)), caseSubject(0x10+uint64(j))

				_, lowErr := h.engine.ReadAttribute(low, path)
				_, highErr := h.engine.ReadAttribute(high, path)
				if lowErr == nil {
					assert.NoError(t, highErr, "read %s: %v allowed, %v denied", path, chain[i], chain[j])
				}

				lowErr = h.engine.WriteAttribute(low, path, uintValue(t, 1), true)
				highErr = h.engine.WriteAttribute(high, path, uintValue(t, 1), true)
				if lowErr == nil {
					assert.NoError(t, highErr, "write %s: %v allowed, %v denied", path, chain[i], chain[j])
				}
			}
		}
	}
}
