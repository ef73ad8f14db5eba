package descriptor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backkem/imengine/pkg/acl"
	"github.com/backkem/imengine/pkg/clusters/onoff"
	"github.com/backkem/imengine/pkg/datamodel"
	"github.com/backkem/imengine/pkg/datamodel/codedriven"
	"github.com/backkem/imengine/pkg/tlv"
)

const (
	deviceTypeRootNode datamodel.DeviceTypeID = 0x0016
	deviceTypeBridge   datamodel.DeviceTypeID = 0x000E
	deviceTypeLight    datamodel.DeviceTypeID = 0x0100
)

func epPtr(id datamodel.EndpointID) *datamodel.EndpointID { return &id }

// newNode builds root 0, a bridge on 1 and a light on 2 under the bridge,
// plus a stand-alone endpoint 3.
func newNode(t *testing.T) *codedriven.Provider {
	t.Helper()
	p := codedriven.NewProvider(codedriven.Config{})
	require.NoError(t, p.RegisterEndpoint(datamodel.EndpointEntry{ID: 0}, datamodel.DeviceTypeEntry{ID: deviceTypeRootNode, Revision: 2}))
	require.NoError(t, p.RegisterEndpoint(datamodel.EndpointEntry{ID: 1}, datamodel.DeviceTypeEntry{ID: deviceTypeBridge, Revision: 1}))
	require.NoError(t, p.RegisterEndpoint(datamodel.EndpointEntry{ID: 2, Parent: epPtr(1)},
		datamodel.DeviceTypeEntry{ID: deviceTypeLight, Revision: 3}))
	require.NoError(t, p.RegisterEndpoint(datamodel.EndpointEntry{ID: 3}))
	for ep := datamodel.EndpointID(0); ep <= 3; ep++ {
		require.NoError(t, p.Register(New(Config{Endpoint: ep})))
	}
	require.NoError(t, p.Register(onoff.New(onoff.Config{Endpoint: 2})))
	return p
}

func read(t *testing.T, p datamodel.Provider, ep datamodel.EndpointID, attr datamodel.AttributeID) (*tlv.Reader, error) {
	t.Helper()
	w := tlv.NewWriter()
	enc := datamodel.NewAttributeValueEncoder(w, tlv.Anonymous(), acl.SubjectDescriptor{}, false)
	req := &datamodel.ReadAttributeRequest{Path: datamodel.ConcreteAttributePath{Endpoint: ep, Cluster: ClusterID, Attribute: attr}}
	if err := p.ReadAttribute(req, enc); err != nil {
		return nil, err
	}
	r, err := tlv.ReadElement(w.Bytes())
	require.NoError(t, err)
	return r, nil
}

func readUints(t *testing.T, p datamodel.Provider, ep datamodel.EndpointID, attr datamodel.AttributeID) []uint64 {
	t.Helper()
	r, err := read(t, p, ep, attr)
	require.NoError(t, err)
	require.Equal(t, tlv.ElementTypeArray, r.Type())
	out := []uint64{}
	require.NoError(t, r.ForEach(func(r *tlv.Reader) error {
		v, err := r.Uint()
		out = append(out, v)
		return err
	}))
	return out
}

func TestServerAndClientList(t *testing.T) {
	p := newNode(t)
	assert.Equal(t, []uint64{uint64(ClusterID)}, readUints(t, p, 1, AttrServerList))
	assert.Equal(t, []uint64{uint64(onoff.ClusterID), uint64(ClusterID)}, readUints(t, p, 2, AttrServerList))
	assert.Empty(t, readUints(t, p, 2, AttrClientList))
}

func TestPartsList(t *testing.T) {
	p := newNode(t)
	tests := []struct {
		ep   datamodel.EndpointID
		want []uint64
	}{
		{0, []uint64{1, 2, 3}},
		{1, []uint64{2}},
		{2, []uint64{}},
		{3, []uint64{}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, readUints(t, p, tt.ep, AttrPartsList), "endpoint %d", tt.ep)
	}
}

func TestDeviceTypeList(t *testing.T) {
	p := newNode(t)
	r, err := read(t, p, 2, AttrDeviceTypeList)
	require.NoError(t, err)

	type deviceType struct{ id, rev uint64 }
	var got []deviceType
	require.NoError(t, r.ForEach(func(r *tlv.Reader) error {
		var dt deviceType
		err := r.ForEach(func(r *tlv.Reader) error {
			v, err := r.Uint()
			switch {
			case r.Tag().IsContextNumber(0):
				dt.id = v
			case r.Tag().IsContextNumber(1):
				dt.rev = v
			}
			return err
		})
		got = append(got, dt)
		return err
	}))
	assert.Equal(t, []deviceType{{uint64(deviceTypeLight), 3}}, got)
}

func TestTagList(t *testing.T) {
	p := codedriven.NewProvider(codedriven.Config{})
	require.NoError(t, p.RegisterEndpoint(datamodel.EndpointEntry{ID: 1}))
	label := "left"
	c := New(Config{Endpoint: 1, SemanticTags: []SemanticTag{{NamespaceID: 8, Tag: 2, Label: &label}}})
	require.NoError(t, p.Register(c))
	assert.Equal(t, FeatureTagList, c.Metadata().FeatureMap)

	r, err := read(t, p, 1, AttrTagList)
	require.NoError(t, err)
	var fields int
	var gotLabel string
	mfgNull := false
	require.NoError(t, r.ForEach(func(r *tlv.Reader) error {
		return r.ForEach(func(r *tlv.Reader) error {
			fields++
			switch {
			case r.Tag().IsContextNumber(0):
				mfgNull = r.IsNull()
			case r.Tag().IsContextNumber(3):
				s, err := r.String()
				gotLabel = s
				return err
			}
			return nil
		})
	}))
	assert.Equal(t, 4, fields)
	assert.True(t, mfgNull)
	assert.Equal(t, "left", gotLabel)

	// Without tags the attribute is absent.
	_, err = read(t, newNode(t), 1, AttrTagList)
	assert.ErrorIs(t, err, datamodel.ErrUnsupportedAttribute)
}

func TestReadOnly(t *testing.T) {
	c := New(Config{Endpoint: 1})
	assert.ErrorIs(t, c.WriteAttribute(nil, nil), datamodel.ErrUnsupportedWrite)
	assert.ErrorIs(t, c.InvokeCommand(nil, nil, nil), datamodel.ErrUnsupportedCommand)

	// Not registered anywhere and no Model: nothing to describe.
	w := tlv.NewWriter()
	enc := datamodel.NewAttributeValueEncoder(w, tlv.Anonymous(), acl.SubjectDescriptor{}, false)
	assert.ErrorIs(t, c.ReadAttribute(&datamodel.ReadAttributeRequest{}, enc), datamodel.ErrFailure)
}

func TestExplicitModel(t *testing.T) {
	p := newNode(t)
	cell := datamodel.NewProviderCell(p)
	c := New(Config{Endpoint: 0, Model: cell.Getter()})
	w := tlv.NewWriter()
	enc := datamodel.NewAttributeValueEncoder(w, tlv.Anonymous(), acl.SubjectDescriptor{}, false)
	require.NoError(t, c.ReadAttribute(&datamodel.ReadAttributeRequest{Path: datamodel.ConcreteAttributePath{Attribute: AttrPartsList}}, enc))
	assert.NotEmpty(t, w.Bytes())
}
