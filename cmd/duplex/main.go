package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/kbirk/duplex/pkg/config"
	"github.com/kbirk/duplex/pkg/log"
	"github.com/kbirk/duplex/pkg/rpc"
	"github.com/kbirk/duplex/pkg/rpc/tcp"
	"github.com/kbirk/duplex/pkg/rpc/unix"
	"github.com/kbirk/duplex/pkg/rpc/websocket"
)

const (
	version = "0.0.1"
)

var (
	red    = color.New(color.FgRed, color.Bold).SprintFunc()
	green  = color.New(color.FgGreen, color.Bold).SprintFunc()
	yellow = color.New(color.FgYellow, color.Bold).SprintFunc()
	cyan   = color.New(color.FgCyan, color.Bold).SprintFunc()
	white  = color.New(color.FgWhite, color.Bold).SprintFunc()
)

func usage() {
	os.Stderr.WriteString(fmt.Sprintf("duplex %s\n\n", version))
	os.Stderr.WriteString("Usage:\n")
	os.Stderr.WriteString("  duplex serve [-config file] [-addr host:port] [-debug]\n")
	os.Stderr.WriteString("  duplex call  [-config file] [-addr host:port] -route name [-keepalive] [key=value ...]\n")
}

func fail(format string, args ...interface{}) {
	os.Stderr.WriteString(red("ERROR: ") + fmt.Sprintf(format, args...) + "\n")
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		serve(os.Args[2:])
	case "call":
		call(os.Args[2:])
	case "version":
		os.Stdout.WriteString(version + "\n")
	default:
		usage()
		os.Exit(1)
	}
}

func loadConfig(path string) *config.Config {
	if path == "" {
		return config.Defaults()
	}
	cfg, err := config.Load(path)
	if err != nil {
		fail("Failed to load config: %v", err)
	}
	return cfg
}

func serve(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "YAML config file")
	addr := fs.String("addr", "", "Listen address, overrides the config")
	debug := fs.Bool("debug", false, "Enable debug logging")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	if *addr != "" {
		cfg.Server.Address = *addr
	}
	if *debug {
		cfg.Server.Debug = true
	}

	logger := log.New("duplex", cfg.Server.Debug)

	transport, err := serverTransport(cfg.Server)
	if err != nil {
		fail("Failed to build transport: %v", err)
	}
	codec, err := rpc.CodecByName(cfg.Server.Codec)
	if err != nil {
		fail("%v", err)
	}

	server := rpc.NewServer(rpc.ServerConfig{
		Transport:     transport,
		Handlers:      demoHandlers(),
		Codec:         codec,
		MaxConcurrent: cfg.Server.MaxConcurrent,
		MaxQueued:     cfg.Server.MaxQueued,
		Logger:        log.Named(logger, "server"),
	})
	server.Middleware(rpc.LoggingMiddleware(logger))
	server.RegisterListener(&printListener{})

	if err := server.Start(); err != nil {
		fail("Failed to start server: %v", err)
	}
	os.Stdout.WriteString(green("LISTENING: ") + white(server.Addr()) + "\n")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Server.TickInterval.Duration > 0 {
		go tick(ctx, server, cfg.Server.TickInterval.Duration)
	}

	<-ctx.Done()

	os.Stdout.WriteString(yellow("STOPPING\n"))
	if err := server.EndConnections(); err != nil {
		logger.Warn("unable to end every connection", "error", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		fail("Failed to stop server: %v", err)
	}
}

func tick(ctx context.Context, server *rpc.Server, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for n := 1; ; n++ {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e := rpc.NewRequest("tick")
			e.AddParam("n", n)
			e.AddParam("time", now.Format(time.RFC3339))
			server.Broadcast(e)
		}
	}
}

func demoHandlers() *rpc.HandlerRegistry {
	return rpc.MustHandlerRegistry(
		rpc.Handler{
			Route:  "echo",
			Params: []string{"x"},
			Invoke: func(ctx context.Context, args []interface{}) (interface{}, error) {
				return args[0], nil
			},
		},
		rpc.Handler{
			Route:  "add",
			Params: []string{"a", "b"},
			Invoke: func(ctx context.Context, args []interface{}) (interface{}, error) {
				a, err := toFloat(args[0])
				if err != nil {
					return nil, err
				}
				b, err := toFloat(args[1])
				if err != nil {
					return nil, err
				}
				return a + b, nil
			},
		},
		rpc.Handler{
			Route: "fail",
			Invoke: func(ctx context.Context, args []interface{}) (interface{}, error) {
				return nil, errors.New("requested failure")
			},
		},
	)
}

func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case int:
		return float64(n), nil
	case float64:
		return n, nil
	case string:
		return strconv.ParseFloat(n, 64)
	}
	return 0, fmt.Errorf("not a number: %v", v)
}

func call(args []string) {
	fs := flag.NewFlagSet("call", flag.ExitOnError)
	configPath := fs.String("config", "", "YAML config file")
	addr := fs.String("addr", "", "Server address, overrides the config")
	route := fs.String("route", "", "Route to call")
	keepAlive := fs.Bool("keepalive", false, "Keep the connection open and print pushes")
	debug := fs.Bool("debug", false, "Enable debug logging")
	fs.Parse(args)

	if *route == "" {
		fail("No `-route` argument provided")
	}

	cfg := loadConfig(*configPath)
	if *addr != "" {
		cfg.Client.Address = *addr
	}
	if *keepAlive {
		cfg.Client.KeepAlive = true
	}

	req := rpc.NewRequest(*route)
	for _, kv := range fs.Args() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			fail("Parameter %q is not key=value", kv)
		}
		req.AddParam(k, parseValue(v))
	}

	codec, err := rpc.CodecByName(cfg.Client.Codec)
	if err != nil {
		fail("%v", err)
	}

	client := rpc.NewClient(rpc.ClientConfig{
		Transport:         clientTransport(cfg.Client),
		Codec:             codec,
		RetryInterval:     cfg.Client.RetryInterval.Duration,
		KeepAliveInterval: cfg.Client.KeepAliveInterval.Duration,
		DialTimeout:       cfg.Client.DialTimeout.Duration,
		DisableRetry:      cfg.Client.DisableRetry,
		Logger:            log.New("duplex-client", *debug),
	})
	client.RegisterListener(&printListener{})

	if err := client.Connect(cfg.Client.Address, cfg.Client.KeepAlive); err != nil {
		fail("%v", err)
	}
	defer client.EndConnection()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Client.CallTimeout.Duration)
	value, err := client.CallBlocking(ctx, req)
	cancel()
	if err != nil {
		var remote *rpc.RemoteError
		if errors.As(err, &remote) {
			fail("%s raised: %s", remote.Route, remote.Message)
		}
		fail("%v", err)
	}
	os.Stdout.WriteString(green("RESULT: ") + white(fmt.Sprintf("%v", value)) + "\n")

	if !cfg.Client.KeepAlive {
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
}

func parseValue(s string) interface{} {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

func serverTransport(conf config.ServerConfig) (rpc.ServerTransport, error) {
	switch conf.Transport {
	case config.TransportUnix:
		return unix.NewServerTransport(unix.ServerTransportConfig{
			SocketPath: conf.Address,
		}), nil
	case config.TransportWebSocket:
		return websocket.NewServerTransport(websocket.ServerTransportConfig{
			Address:  conf.Address,
			CertFile: conf.CertFile,
			KeyFile:  conf.KeyFile,
		}), nil
	}
	if conf.CertFile != "" {
		return tcp.NewServerTransportTLS(conf.Address, conf.CertFile, conf.KeyFile)
	}
	return tcp.NewServerTransport(tcp.ServerTransportConfig{
		Address: conf.Address,
		NoDelay: true,
	}), nil
}

func clientTransport(conf config.ClientConfig) rpc.ClientTransport {
	switch conf.Transport {
	case config.TransportUnix:
		return unix.NewClientTransport()
	case config.TransportWebSocket:
		return websocket.NewClientTransport(websocket.ClientTransportConfig{})
	}
	return tcp.NewClientTransport(tcp.ClientTransportConfig{
		NoDelay: true,
	})
}

type printListener struct {
	rpc.BaseListener
}

func (l *printListener) OnReceive(e *rpc.Envelope) {
	os.Stdout.WriteString(cyan("[push] ") + white(e.Route()) + fmt.Sprintf(" %v\n", e.Params()))
}

func (l *printListener) OnConnectionEstablish(ev *rpc.ConnectionEvent) {
	os.Stdout.WriteString(green("[connect] ") + ev.Message + "\n")
}

func (l *printListener) OnConnectionDrop(ev *rpc.ConnectionEvent) {
	os.Stdout.WriteString(yellow("[drop] ") + ev.Message + "\n")
}

func (l *printListener) OnConnectionReestablish(ev *rpc.ConnectionEvent) {
	os.Stdout.WriteString(green("[reconnect] ") + ev.Message + "\n")
}

func (l *printListener) OnServerGracefulEnd() {
	os.Stdout.WriteString(yellow("[end] ") + "server ended the connection\n")
}
