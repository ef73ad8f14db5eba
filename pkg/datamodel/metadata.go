package datamodel

import (
	"sort"

	"github.com/backkem/imengine/pkg/tlv"
)

// Global attributes present on every cluster instance.
const (
	GlobalAttrGeneratedCommandList AttributeID = 0xFFF8
	GlobalAttrAcceptedCommandList  AttributeID = 0xFFF9
	GlobalAttrAttributeList        AttributeID = 0xFFFB
	GlobalAttrFeatureMap           AttributeID = 0xFFFC
	GlobalAttrClusterRevision      AttributeID = 0xFFFD
)

// IsGlobalAttribute reports whether id is one of the global attributes.
func IsGlobalAttribute(id AttributeID) bool {
	return id >= GlobalAttrGeneratedCommandList && id <= GlobalAttrClusterRevision
}

func globalAttributeEntries() []AttributeEntry {
	return []AttributeEntry{
		ReadOnlyAttribute(GlobalAttrGeneratedCommandList, AttrQualityList|AttrQualityFixed, PrivilegeView),
		ReadOnlyAttribute(GlobalAttrAcceptedCommandList, AttrQualityList|AttrQualityFixed, PrivilegeView),
		ReadOnlyAttribute(GlobalAttrAttributeList, AttrQualityList|AttrQualityFixed, PrivilegeView),
		ReadOnlyAttribute(GlobalAttrFeatureMap, AttrQualityFixed, PrivilegeView),
		ReadOnlyAttribute(GlobalAttrClusterRevision, AttrQualityFixed, PrivilegeView),
	}
}

// ClusterMetadata is the generated description of a cluster: which
// attributes and commands exist and what privilege each requires.
//
// It is built once and never mutated. Lookups are total: an unknown id
// yields the invalid sentinel, never an error.
type ClusterMetadata struct {
	ID         ClusterID
	Revision   uint16
	FeatureMap uint32

	attributes []AttributeEntry
	commands   []CommandEntry
	generated  []CommandID
}

// NewClusterMetadata sorts the tables by id and appends the global
// attributes.
func NewClusterMetadata(id ClusterID, revision uint16, featureMap uint32,
	attributes []AttributeEntry, commands []CommandEntry, generated []CommandID) *ClusterMetadata {
	m := &ClusterMetadata{ID: id, Revision: revision, FeatureMap: featureMap}

	m.attributes = append(m.attributes, attributes...)
	for _, g := range globalAttributeEntries() {
		if !containsAttribute(attributes, g.ID) {
			m.attributes = append(m.attributes, g)
		}
	}
	sort.Slice(m.attributes, func(i, j int) bool { return m.attributes[i].ID < m.attributes[j].ID })

	m.commands = append(m.commands, commands...)
	sort.Slice(m.commands, func(i, j int) bool { return m.commands[i].ID < m.commands[j].ID })

	m.generated = append(m.generated, generated...)
	sort.Slice(m.generated, func(i, j int) bool { return m.generated[i] < m.generated[j] })
	return m
}

func containsAttribute(list []AttributeEntry, id AttributeID) bool {
	for _, a := range list {
		if a.ID == id {
			return true
		}
	}
	return false
}

// AttributeEntryFor returns the entry for id, or InvalidAttributeEntry.
func (m *ClusterMetadata) AttributeEntryFor(id AttributeID) AttributeEntry {
	i := sort.Search(len(m.attributes), func(i int) bool { return m.attributes[i].ID >= id })
	if i < len(m.attributes) && m.attributes[i].ID == id {
		return m.attributes[i]
	}
	return InvalidAttributeEntry
}

// CommandEntryFor returns the entry for id, or InvalidCommandEntry.
func (m *ClusterMetadata) CommandEntryFor(id CommandID) CommandEntry {
	i := sort.Search(len(m.commands), func(i int) bool { return m.commands[i].ID >= id })
	if i < len(m.commands) && m.commands[i].ID == id {
		return m.commands[i]
	}
	return InvalidCommandEntry
}

// Attributes returns every attribute in ascending id order.
func (m *ClusterMetadata) Attributes() []AttributeEntry {
	return append([]AttributeEntry(nil), m.attributes...)
}

// AcceptedCommands returns every accepted command in ascending id order.
func (m *ClusterMetadata) AcceptedCommands() []CommandEntry {
	return append([]CommandEntry(nil), m.commands...)
}

// GeneratedCommands returns the response command ids in ascending order.
func (m *ClusterMetadata) GeneratedCommands() []CommandID {
	return append([]CommandID(nil), m.generated...)
}

// ReadGlobalAttribute encodes a global attribute from the metadata. It
// reports false for non-global ids.
func (m *ClusterMetadata) ReadGlobalAttribute(id AttributeID, enc *AttributeValueEncoder) (bool, error) {
	switch id {
	case GlobalAttrClusterRevision:
		return true, enc.EncodeUint(uint64(m.Revision))
	case GlobalAttrFeatureMap:
		return true, enc.EncodeUint(uint64(m.FeatureMap))
	case GlobalAttrAttributeList:
		return true, enc.EncodeList(func(l *ListEncoder) error {
			for _, a := range m.attributes {
				if err := l.EncodeUint(uint64(a.ID)); err != nil {
					return err
				}
			}
			return nil
		})
	case GlobalAttrAcceptedCommandList:
		return true, enc.EncodeList(func(l *ListEncoder) error {
			for _, c := range m.commands {
				if err := l.EncodeUint(uint64(c.ID)); err != nil {
					return err
				}
			}
			return nil
		})
	case GlobalAttrGeneratedCommandList:
		return true, enc.EncodeList(func(l *ListEncoder) error {
			for _, c := range m.generated {
				if err := l.EncodeUint(uint64(c)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return false, nil
}

// EncodeIDList is a helper for list attributes of plain ids.
func EncodeIDList[T ~uint16 | ~uint32](enc *AttributeValueEncoder, ids []T) error {
	return enc.EncodeList(func(l *ListEncoder) error {
		for _, id := range ids {
			if err := l.Encode(func(w *tlv.Writer, tag tlv.Tag) error {
				return w.PutUint(tag, uint64(id))
			}); err != nil {
				return err
			}
		}
		return nil
	})
}
