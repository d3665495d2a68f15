package pop3

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/golang/glog"
	gopop3 "github.com/knadh/go-pop3"

	"github.com/robotalks/pop.go/pkg/retrieval"
)

// dialPOP3 connects to the resolved IP and runs go-pop3 over a loopback
// relay. go-pop3 only dials by itself, so the relay hands it a socket
// owned by the session: TLS is done upstream with the host name as the
// server name, and ctx closes both ends which fails any blocked read.
func (e *Engine) dialPOP3(ctx context.Context, addr retrieval.Address) (Mailbox, error) {
	timeout := e.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	upstream, err := e.dialUpstream(ctx, addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	local, err := relay(ctx, upstream)
	if err != nil {
		upstream.Close()
		return nil, fmt.Errorf("relay %s: %w", addr, err)
	}
	client := gopop3.New(gopop3.Opt{
		Host:        local.IP.String(),
		Port:        local.Port,
		DialTimeout: timeout,
	})
	conn, err := client.NewConn()
	if err != nil {
		upstream.Close()
		return nil, fmt.Errorf("greeting from %s: %w", addr, err)
	}
	return conn, nil
}

func (e *Engine) dialUpstream(ctx context.Context, addr retrieval.Address, timeout time.Duration) (net.Conn, error) {
	host := addr.Host
	if addr.IP != nil {
		host = addr.IP.String()
	}
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(e.port())))
	if err != nil {
		return nil, err
	}
	if !e.TLS {
		return conn, nil
	}
	serverName := addr.Host
	if serverName == "" {
		serverName = host
	}
	tlsConn := tls.Client(conn, &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: e.TLSSkipVerify,
	})
	hsCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return tlsConn, nil
}

// relay listens on a loopback port for exactly one connection and pipes
// it to upstream until either side closes or ctx is done.
func relay(ctx context.Context, upstream net.Conn) (*net.TCPAddr, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	stopListen := context.AfterFunc(ctx, func() { ln.Close() })
	go func() {
		local, err := ln.Accept()
		ln.Close()
		stopListen()
		if err != nil {
			upstream.Close()
			return
		}
		pipe(ctx, local, upstream)
	}()
	return ln.Addr().(*net.TCPAddr), nil
}

func pipe(ctx context.Context, local, upstream net.Conn) {
	var once sync.Once
	closeAll := func() {
		once.Do(func() {
			local.Close()
			upstream.Close()
		})
	}
	stop := context.AfterFunc(ctx, closeAll)
	defer stop()

	doneCh := make(chan struct{}, 2)
	copyTo := func(dst, src net.Conn) {
		if _, err := io.Copy(dst, src); err != nil && glog.V(2) {
			glog.Infof("pop3: relay: %v", err)
		}
		doneCh <- struct{}{}
	}
	go copyTo(upstream, local)
	go copyTo(local, upstream)
	<-doneCh
	closeAll()
	<-doneCh
}
