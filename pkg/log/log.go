package log

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

var logger = logrus.New()

func init() {
	logger.Formatter = &logrus.TextFormatter{
		TimestampFormat: time.RFC3339,
		FullTimestamp:   true,
		DisableColors:   false,
		ForceColors:     true,
	}
}

func Print(c *fiber.Ctx) *logrus.Entry {
	if c == nil {
		return logger.WithFields(logrus.Fields{})
	}

	remoteIP := c.IP()
	if v := c.Locals("remote_ip"); v != nil {
		if ip, ok := v.(string); ok && ip != "" {
			remoteIP = ip
		}
	}
	return logger.WithFields(logrus.Fields{
		"remote_ip": remoteIP,
		"method":    c.Method(),
		"uri":       c.OriginalURL(),
	})
}

// Instance returns an entry scoped to one session instance.
func Instance(id string) *logrus.Entry {
	return logger.WithField("instance", id)
}

// Dispatch returns an entry scoped to one outbound send attempt.
func Dispatch(instanceID string, destination string) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"instance":    instanceID,
		"destination": maskDestination(destination),
	})
}

func maskDestination(destination string) string {
	if len(destination) < 4 {
		return destination
	}
	return destination[0:len(destination)-4] + "xxxx"
}
