package service

import (
	"github.com/sirupsen/logrus"

	"stethoscope/internal/ftp"
)

// eventCat is the control plane category of dissection events.
const eventCat = "ftp"

// emit logs an event and forwards it to a subscribed control client.
func (s *Service) emit(event string, level logrus.Level, payload map[string]any) {
	s.log.WithFields(logrus.Fields(payload)).Log(level, eventCat+"."+event)
	if s.cp != nil {
		s.cp.Emit(eventCat, event, payload)
	}
}

func (s *Service) emitLayer(conn *connection, l ftp.Layer) {
	s.emit("layer", logrus.DebugLevel, map[string]any{
		"id":        conn.id,
		"direction": l.Direction.String(),
		"name":      l.Name,
		"lines":     l.Lines,
	})
}
