// Package controlrpc implements the built-in control service: a
// JSON-over-RPC `_PebbleControl.RunCommand` endpoint dispatched through
// the same engine path as every application service, with built-in
// commands for help, history, reload, status/config printing, and live
// log-level changes.
package controlrpc

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pebblerpc/pebble/internal/logging"
	"github.com/pebblerpc/pebble/internal/rpcengine"
	"github.com/pebblerpc/pebble/internal/rpcerr"
)

// FunctionRunCommand is the control service's function name on the wire.
const FunctionRunCommand = "_PebbleControl:RunCommand"

// Request and Response are the JSON bodies of RunCommand.
type Request struct {
	Command string   `json:"command"`
	Options []string `json:"options"`
}

type Response struct {
	RetCode int32  `json:"ret_code"`
	Data    string `json:"data"`
}

// CommandFunc executes one registered command and returns its output.
type CommandFunc func(options []string) (string, error)

// Service owns the command table. Like the engine it is driven from the
// loop goroutine only.
type Service struct {
	log      *slog.Logger
	history  *history
	commands map[string]CommandFunc

	reload     func()
	status     func() string
	configDump func() string
	level      *slog.LevelVar
}

// Option configures a Service at construction.
type Option func(*Service)

// WithReloadFunc backs the built-in "reload" command.
func WithReloadFunc(fn func()) Option {
	return func(s *Service) { s.reload = fn }
}

// WithStatusFunc backs "print status".
func WithStatusFunc(fn func() string) Option {
	return func(s *Service) { s.status = fn }
}

// WithConfigDump backs "print config".
func WithConfigDump(fn func() string) Option {
	return func(s *Service) { s.configDump = fn }
}

// WithLogLevel backs "log <level>" with the process logger's LevelVar.
func WithLogLevel(level *slog.LevelVar) Option {
	return func(s *Service) { s.level = level }
}

// New builds the service and registers its handler on eng.
func New(eng *rpcengine.Engine, log *slog.Logger, opts ...Option) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		log:      log,
		history:  newHistory(0),
		commands: make(map[string]CommandFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.commands["help"] = s.cmdHelp
	s.commands["history"] = s.cmdHistory
	s.commands["reload"] = s.cmdReload
	s.commands["print"] = s.cmdPrint
	s.commands["log"] = s.cmdLog

	if err := eng.RegisterHandler(FunctionRunCommand, s.handle); err != nil {
		return nil, err
	}
	return s, nil
}

// Extra registers an application command with the same shape as the
// built-ins. Built-in names cannot be shadowed.
func (s *Service) Extra(name string, fn CommandFunc) error {
	if name == "" || fn == nil {
		return rpcerr.New(rpcerr.InvalidParam, "command name and func required")
	}
	if _, exists := s.commands[name]; exists {
		return rpcerr.New(rpcerr.InvalidParam, "command already registered: "+name)
	}
	s.commands[name] = fn
	return nil
}

func (s *Service) handle(inv *rpcengine.Invocation) {
	var req Request
	if err := json.Unmarshal(inv.Payload, &req); err != nil {
		s.respond(inv, int32(rpcerr.DecodeFailed), "bad request: "+err.Error())
		return
	}

	fn, ok := s.commands[req.Command]
	if !ok {
		s.respond(inv, int32(rpcerr.UnsupportFunction), "unknown command: "+req.Command)
		return
	}
	s.history.add(req.Command, req.Options, time.Now())

	out, err := fn(req.Options)
	if err != nil {
		s.log.Warn("control: command failed", "command", req.Command, "err", err)
		s.respond(inv, int32(rpcerr.InvalidParam), err.Error())
		return
	}
	s.respond(inv, 0, out)
}

func (s *Service) respond(inv *rpcengine.Invocation, ret int32, data string) {
	body, err := json.Marshal(Response{RetCode: ret, Data: data})
	if err != nil {
		s.log.Error("control: marshal response", "err", err)
		return
	}
	if err := inv.Respond(0, body); err != nil {
		s.log.Warn("control: respond failed", "err", err)
	}
}

func (s *Service) cmdHelp([]string) (string, error) {
	names := make([]string, 0, len(s.commands))
	for name := range s.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return "commands: " + strings.Join(names, ", "), nil
}

func (s *Service) cmdHistory(options []string) (string, error) {
	n := 0
	if len(options) > 0 {
		v, err := strconv.Atoi(options[0])
		if err != nil {
			return "", fmt.Errorf("history: bad count %q", options[0])
		}
		n = v
	}
	return strings.Join(s.history.last(n), "\n"), nil
}

func (s *Service) cmdReload([]string) (string, error) {
	if s.reload == nil {
		return "", fmt.Errorf("reload not wired")
	}
	s.reload()
	return "reload requested", nil
}

func (s *Service) cmdPrint(options []string) (string, error) {
	if len(options) == 0 {
		return "", fmt.Errorf("print: want status|config")
	}
	switch options[0] {
	case "status":
		if s.status == nil {
			return "", fmt.Errorf("status not wired")
		}
		return s.status(), nil
	case "config":
		if s.configDump == nil {
			return "", fmt.Errorf("config dump not wired")
		}
		return s.configDump(), nil
	default:
		return "", fmt.Errorf("print: unknown target %q", options[0])
	}
}

func (s *Service) cmdLog(options []string) (string, error) {
	if s.level == nil {
		return "", fmt.Errorf("log level not wired")
	}
	if len(options) == 0 {
		return "current level: " + s.level.Level().String(), nil
	}
	lv, err := logging.ParseLevel(options[0])
	if err != nil {
		return "", err
	}
	s.level.Set(lv)
	return "level set to " + lv.String(), nil
}
