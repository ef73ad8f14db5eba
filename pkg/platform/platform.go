// Package platform holds the application side of attribute changes: sinks
// that the engine calls after every successful attribute write.
package platform

import (
	"github.com/pion/logging"

	"github.com/backkem/imengine/pkg/datamodel"
	"github.com/backkem/imengine/pkg/im"
	"github.com/backkem/imengine/pkg/tlv"
)

// Sink receives attribute changes.
type Sink interface {
	OnAttributeChanged(path datamodel.ConcreteAttributePath, elementType tlv.ElementType, size int, value []byte)
}

// Callback joins sinks into the engine's change callback. Nil sinks are
// skipped.
func Callback(sinks ...Sink) im.AttributeChangeCallback {
	var live []Sink
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	return func(path datamodel.ConcreteAttributePath, elementType tlv.ElementType, size int, value []byte) {
		for _, s := range live {
			s.OnAttributeChanged(path, elementType, size, value)
		}
	}
}

// LogSink logs every change.
type LogSink struct {
	log logging.LeveledLogger
}

// NewLogSink returns a sink logging through lf, or the default factory.
func NewLogSink(lf logging.LoggerFactory) *LogSink {
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	return &LogSink{log: lf.NewLogger("platform")}
}

func (s *LogSink) OnAttributeChanged(path datamodel.ConcreteAttributePath, elementType tlv.ElementType, size int, value []byte) {
	s.log.Infof("attribute %s changed: %s, %d bytes, %x", path, elementType, size, value)
}
