package sim

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// Server simulates one car per connection and answers every reset_car and
// control message with a telemetry message.
type Server struct {
	track  *Track
	logger *logrus.Entry
	wg     sync.WaitGroup
}

func NewServer(config TrackConfig, logger *logrus.Entry) *Server {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{
		track:  NewTrack(config),
		logger: logger.WithField("component", "sim"),
	}
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.WithField("addr", ln.Addr().String()).Info("simulator listening")
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer s.wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	log := s.logger.WithField("remote", conn.RemoteAddr().String())
	log.Debug("client connected")
	car := s.track.Start()
	enc := json.NewEncoder(conn)
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)

	for scanner.Scan() {
		line := scanner.Bytes()
		kind, err := msgType(line)
		if err != nil {
			log.WithError(err).Warn("dropping malformed message")
			continue
		}
		switch kind {
		case MsgResetCar:
			car = s.track.Start()
		case MsgControl:
			var msg ControlMsg
			if err := json.Unmarshal(line, &msg); err != nil {
				log.WithError(err).Warn("dropping malformed control")
				continue
			}
			steering, throttle, err := msg.Values()
			if err != nil {
				log.WithError(err).Warn("dropping malformed control")
				continue
			}
			car = s.track.Step(car, steering, throttle)
		case MsgExitScene:
			return
		default:
			log.WithField("msg_type", kind).Debug("ignoring message")
			continue
		}
		if err := enc.Encode(telemetry(s.track, car)); err != nil {
			log.WithError(err).Debug("client went away")
			return
		}
	}
}
