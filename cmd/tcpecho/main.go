// Command tcpecho hosts a TCP echo server over a real TAP interface, driving the
// userspace stack end to end: ARP, IPv4 (fragmented datagrams are not reassembled), and a pool-backed TCP
// listener that echoes back whatever each connection sends. It is adapted from the
// examples/stack demo's main loop, swapped from the demo's HTTPTap shim to a real
// internal.Tap and from a single tcp.Handler to a stack.TCPStack-registered
// x/xnet.TCPPool-backed tcp.Listener so multiple peers can connect concurrently.
package main

import (
	"flag"
	"io"
	"log"
	"log/slog"
	"net/netip"
	"os"
	"time"

	"github.com/nanostack/netstack/internal"
	"github.com/nanostack/netstack/stack"
	"github.com/nanostack/netstack/tcp"
	"github.com/nanostack/netstack/x/xnet"
)

const mtu = 2048

func main() {
	var (
		ifaceName = flag.String("tap", "tap0", "TAP interface name")
		cidr      = flag.String("cidr", "192.168.10.1/24", "TAP interface address/mask")
		stackIP   = flag.String("ip", "192.168.10.2", "stack's own IPv4 address")
		port      = flag.Uint("port", 7, "TCP echo port")
	)
	flag.Parse()

	slogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	iface, err := netip.ParsePrefix(*cidr)
	if err != nil {
		log.Fatal(err)
	}
	ip, err := netip.ParseAddr(*stackIP)
	if err != nil {
		log.Fatal(err)
	}
	if !iface.Contains(ip) {
		log.Fatal("interface does not contain stack address")
	}

	tap, err := internal.NewTap(*ifaceName, iface)
	if err != nil {
		log.Fatal(err)
	}
	defer tap.Close()
	mac, err := tap.HardwareAddress6()
	if err != nil {
		log.Fatal(err)
	}

	eth, err := stack.NewEthernetStack(mac, ip, mtu, slogger)
	if err != nil {
		log.Fatal(err)
	}

	const (
		poolSize  = 4
		queueSize = 3
		bufSize   = 2048
	)
	pool, err := xnet.NewTCPPool(xnet.TCPPoolConfig{
		PoolSize:           poolSize,
		QueueSize:          queueSize,
		TxBufSize:          bufSize,
		RxBufSize:          bufSize,
		Logger:             slogger,
		ConnLogger:         slogger,
		EstablishedTimeout: 5 * time.Second,
		ClosingTimeout:     10 * time.Second,
		Timer:              eth.Timer,
	})
	if err != nil {
		log.Fatal(err)
	}

	var listener tcp.Listener
	if err := listener.Reset(uint16(*port), pool); err != nil {
		log.Fatal(err)
	}
	if err := eth.TCP.Register(&listener, uint16(*port)); err != nil {
		log.Fatal(err)
	}

	go acceptLoop(&listener, slogger)
	go timeoutLoop(pool, slogger)

	slogger.Info("tcpecho: listening", slog.String("addr", ip.String()), slog.Uint64("port", uint64(*port)))
	var buf [mtu]byte
	for {
		n, err := tap.Read(buf[:])
		if err != nil {
			log.Fatal(err)
		}
		if n > 0 {
			if err := eth.Link.RecvEth(buf[:n]); err != nil {
				slogger.Error("recv", slog.String("err", err.Error()))
			}
		}
		n, err = eth.Link.HandleEth(buf[:])
		if err != nil {
			slogger.Error("handle", slog.String("err", err.Error()))
		} else if n > 0 {
			if _, err := tap.Write(buf[:n]); err != nil {
				log.Fatal(err)
			}
		} else {
			time.Sleep(10 * time.Millisecond)
		}
	}
}

// acceptLoop accepts incoming connections and hands each to its own echo goroutine.
func acceptLoop(listener *tcp.Listener, slogger *slog.Logger) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			slogger.Error("accept", slog.String("err", err.Error()))
			continue
		}
		go echo(conn, slogger)
	}
}

func echo(conn *tcp.Conn, slogger *slog.Logger) {
	defer conn.Close()
	var buf [1024]byte
	for {
		n, err := conn.Read(buf[:])
		if n > 0 {
			if _, werr := conn.Write(buf[:n]); werr != nil {
				slogger.Error("echo:write", slog.String("err", werr.Error()))
				return
			}
			if ferr := conn.Flush(); ferr != nil {
				slogger.Error("echo:flush", slog.String("err", ferr.Error()))
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				slogger.Error("echo:read", slog.String("err", err.Error()))
			}
			return
		}
	}
}

// timeoutLoop periodically sweeps the pool for connections stuck in SYN-RECEIVED or
// CLOSING beyond their budget, per the pool's syn-flood/half-close defenses, and logs the
// process-wide socket table's size as a coarse liveness signal.
func timeoutLoop(pool *xnet.TCPPool, slogger *slog.Logger) {
	for range time.Tick(time.Second) {
		pool.CheckTimeouts()
		slogger.Debug("tcpecho: diagnostics", slog.Int("sockets", tcp.ActiveSockets()), slog.Int("acquired", pool.NumberOfAcquired()))
	}
}
