package im

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backkem/imengine/pkg/datamodel"
)

// constantAccess serves one attribute with a fixed value and stores writes
// to it, leaving every other attribute to the provider.
type constantAccess struct {
	attr    datamodel.AttributeID
	value   uint64
	written []uint64
}

func (c *constantAccess) Read(req *datamodel.ReadAttributeRequest, enc *datamodel.AttributeValueEncoder) error {
	if req.Path.Attribute != c.attr {
		return nil
	}
	return enc.EncodeUint(c.value)
}

func (c *constantAccess) Write(req *datamodel.WriteAttributeRequest, dec *datamodel.AttributeValueDecoder) error {
	if req.Path.Attribute != c.attr {
		return nil
	}
	v, err := dec.Uint()
	if err != nil {
		return err
	}
	c.written = append(c.written, v)
	return nil
}

func TestAttributeAccessRegistry_Lookup(t *testing.T) {
	r := NewAttributeAccessRegistry()
	ep1 := datamodel.EndpointID(1)
	all := &constantAccess{}
	one := &constantAccess{}
	require.NoError(t, r.Register(nil, fixtureCluster, all))
	require.NoError(t, r.Register(&ep1, fixtureCluster, one))
	assert.ErrorIs(t, r.Register(&ep1, fixtureCluster, all), ErrAttributeAccessExists)

	assert.Same(t, one, r.Lookup(datamodel.ConcreteClusterPath{Endpoint: 1, Cluster: fixtureCluster}))
	assert.Same(t, all, r.Lookup(datamodel.ConcreteClusterPath{Endpoint: 2, Cluster: fixtureCluster}))
	assert.Nil(t, r.Lookup(datamodel.ConcreteClusterPath{Endpoint: 1, Cluster: 0x0006}))

	r.Unregister(&ep1, fixtureCluster)
	assert.Same(t, all, r.Lookup(datamodel.ConcreteClusterPath{Endpoint: 1, Cluster: fixtureCluster}))
}

func TestEngine_AttributeAccessOverride(t *testing.T) {
	h := newHarness(t)
	ep1 := datamodel.EndpointID(1)
	override := &constantAccess{attr: attrReadOnly, value: 99}
	require.NoError(t, h.engine.AttributeAccess().Register(&ep1, fixtureCluster, override))
	h.ep1.values[attrReadOnly] = 1
	h.ep1.values[attrValue] = 2

	raw, err := h.engine.ReadAttribute(caseSubject(viewerNode), h.ep1.AttributePath(attrReadOnly))
	require.NoError(t, err)
	assert.Equal(t, uint64(99), decodeUint(t, raw))
	assert.Equal(t, 0, h.counting.reads)

	raw, err = h.engine.ReadAttribute(caseSubject(viewerNode), h.ep1.AttributePath(attrValue))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), decodeUint(t, raw), "an override that encodes nothing falls through")
	assert.Equal(t, 1, h.counting.reads)

	raw, err = h.engine.ReadAttribute(caseSubject(viewerNode), h.ep2.AttributePath(attrReadOnly))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), decodeUint(t, raw))

	// The override still sits behind the access and metadata checks.
	_, err = h.engine.ReadAttribute(caseSubject(strangerNode), h.ep1.AttributePath(attrReadOnly))
	assert.ErrorIs(t, err, datamodel.ErrUnsupportedAccess)
	assert.ErrorIs(t, h.engine.WriteAttribute(caseSubject(adminNode), h.ep1.AttributePath(attrReadOnly), uintValue(t, 5), false), datamodel.ErrUnsupportedWrite)
	assert.Empty(t, override.written)
}

func TestEngine_AttributeAccessWrite(t *testing.T) {
	h := newHarness(t)
	override := &constantAccess{attr: attrValue}
	require.NoError(t, h.engine.AttributeAccess().Register(nil, fixtureCluster, override))

	require.NoError(t, h.engine.WriteAttribute(caseSubject(operatorNode), h.ep2.AttributePath(attrValue), uintValue(t, 8), false))
	assert.Equal(t, []uint64{8}, override.written)
	assert.NotContains(t, h.ep2.values, attrValue)
	require.Len(t, h.changes, 1)
	assert.Equal(t, h.ep2.AttributePath(attrValue), h.changes[0].path)

	require.NoError(t, h.engine.WriteAttribute(caseSubject(operatorNode), h.ep2.AttributePath(attrTimed), uintValue(t, 6), true))
	assert.Equal(t, uint64(6), h.ep2.values[attrTimed])
	assert.Len(t, override.written, 1)
}
