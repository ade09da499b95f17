// quic-echo runs a loopback echo exchange over the QUIC transport: it
// starts a server endpoint, dials it from a client endpoint in the same
// process, echoes one message over a bidirectional stream, and exits.
// The in-process pairing exists because the scripted handshake engine
// shares its seed between the two sides; a production deployment plugs a
// real TLS stack into endpoint.HandshakerFactory.
package main

import (
	"context"
	"flag"
	"io"
	"log"
	"net"
	"time"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	"github.com/m-lab/quic/config"
	"github.com/m-lab/quic/conn"
	"github.com/m-lab/quic/endpoint"
	"github.com/m-lab/quic/stream"
	"github.com/m-lab/quic/tlsconn"
	"github.com/m-lab/quic/udpio"
	"github.com/m-lab/quic/wire"
)

func init() {
	// Always prepend the filename and line number.
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	listenAddr = flag.String("listen", "127.0.0.1:4433", "Server listen address")
	message    = flag.String("message", "A", "Message to echo")
	promPort   = flag.String("prom", ":9090", "Prometheus metrics export address and port")
	configFile = flag.String("config", "", "Optional YAML config file")
	timeout    = flag.Duration("timeout", 10*time.Second, "Overall deadline")

	ctx, cancel = context.WithCancel(context.Background())
)

// pairFactory hands the two endpoints pre-paired scripted handshakers.
// The server side is created lazily when the client's Initial arrives.
type pairFactory struct {
	servers chan *tlsconn.Scripted
}

func (p *pairFactory) factory(side wire.Side, serverName string, params []byte) tlsconn.Handshaker {
	if side == wire.ClientSide {
		client, server := tlsconn.NewScriptedPair(params, nil)
		p.servers <- server
		return client
	}
	server := <-p.servers
	// The scripted pair fixes its parameter blobs at construction; the
	// server's params are injected here instead.
	server.SetLocalParams(params)
	return server
}

func main() {
	flag.Parse()
	flagx.ArgsFromEnv(flag.CommandLine)

	cfg := config.Default()
	if *configFile != "" {
		var err error
		cfg, err = config.Load(*configFile)
		rtx.Must(err, "Could not load config %s", *configFile)
	}

	promSrv := prometheusx.MustStartPrometheus(*promPort)
	defer promSrv.Shutdown(ctx)

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	srvAddr, err := net.ResolveUDPAddr("udp", *listenAddr)
	rtx.Must(err, "Could not resolve %s", *listenAddr)
	srvConn, err := net.ListenUDP("udp", srvAddr)
	rtx.Must(err, "Could not listen on %s", *listenAddr)
	srvSock, err := udpio.NewSocket(srvConn)
	rtx.Must(err, "Could not wrap server socket")

	cliConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: srvAddr.IP})
	rtx.Must(err, "Could not open client socket")
	cliSock, err := udpio.NewSocket(cliConn)
	rtx.Must(err, "Could not wrap client socket")

	pf := &pairFactory{servers: make(chan *tlsconn.Scripted, 1)}
	server, err := endpoint.New(srvSock, cfg, pf.factory)
	rtx.Must(err, "Could not create server endpoint")
	client, err := endpoint.New(cliSock, cfg, pf.factory)
	rtx.Must(err, "Could not create client endpoint")

	go server.Run(ctx)
	go client.Run(ctx)

	// Server: echo everything on every accepted stream.
	go func() {
		for c := range server.Accept() {
			go func(c *conn.Conn) {
				for s := range c.AcceptStream() {
					go func(s *stream.Stream) {
						defer s.Close()
						buf := make([]byte, 4096)
						for {
							n, err := s.Read(buf)
							if n > 0 {
								s.Write(buf[:n])
							}
							if err != nil {
								return
							}
						}
					}(s)
				}
			}(c)
		}
	}()

	c, err := client.Dial(ctx, srvSock.LocalAddr(), "echo.test")
	rtx.Must(err, "Could not dial %s", srvSock.LocalAddr())

	s, err := c.OpenStream()
	rtx.Must(err, "Could not open stream")
	s.SetDeadline(time.Now().Add(*timeout))

	_, err = s.Write([]byte(*message))
	rtx.Must(err, "Could not write message")
	rtx.Must(s.Close(), "Could not close stream")

	echoed := make([]byte, 0, len(*message))
	buf := make([]byte, 4096)
	for len(echoed) < len(*message) {
		n, err := s.Read(buf)
		echoed = append(echoed, buf[:n]...)
		if err == io.EOF {
			break
		}
		rtx.Must(err, "Could not read echo")
	}
	if string(echoed) != *message {
		log.Fatalf("echo mismatch: sent %q, got %q", *message, echoed)
	}
	log.Printf("echoed %d bytes over QUIC", len(echoed))

	c.Close(0, "done")
	time.Sleep(100 * time.Millisecond)
	cancel()
}
