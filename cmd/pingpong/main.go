// Command pingpong drives a two-ring request/reply exchange between two
// real OS processes: this process (peer A) creates both rings, ships
// their contact tokens to a re-exec'd child (peer B) over a bootstrap
// Unix socket, and the two exchange fixed-size payloads until
// --iterations round trips complete.
package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/raffino/dfshm/backend"
	"github.com/raffino/dfshm/bootstrap"
	"github.com/raffino/dfshm/config"
	"github.com/raffino/dfshm/endpoint"
	"github.com/raffino/dfshm/queue"
	"github.com/raffino/dfshm/region"
)

// childReadyLine is printed to the child's stdout (never its log
// stream, which goes to stderr) the instant its bootstrap listener is
// up, so the parent knows it is safe to dial.
const childReadyLine = "dfshm: bootstrap listener ready"

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("pingpong: .env: %v", err)
	}

	cfgPath := flag.String("config", "pingpong.toml", "path to TOML config")
	iterations := flag.Int("iterations", 1_000_000, "number of ping-pong round trips")
	child := flag.Bool("child", false, "internal: run as peer B (set by the re-exec'd process, not by users)")
	bootstrapPath := flag.String("bootstrap", "", "internal: bootstrap socket path (set by the re-exec'd process)")
	flag.Parse()

	cfg := config.Defaults()
	if loaded, err := config.Load(*cfgPath); err == nil {
		cfg = *loaded
	} else if !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("pingpong: load config: %v", err)
	}

	variant, err := backend.ParseVariant(cfg.Backend)
	if err != nil {
		log.Fatalf("pingpong: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *child {
		runChild(ctx, variant, cfg, *bootstrapPath, *iterations)
		return
	}
	runParent(ctx, variant, cfg, *cfgPath, *iterations)
}

// runParent is peer A: it creates both rings, spawns a child process
// running this same binary as peer B, and ships the child the two
// contact tokens it needs over a bootstrap.Publisher/Listener pair
// before running its half of the exchange.
func runParent(ctx context.Context, variant backend.Variant, cfg config.Config, cfgPath string, iterations int) {
	mgr, err := region.Init(variant, backend.Config{TempDir: cfg.TempDir})
	if err != nil {
		log.Fatalf("pingpong: region.Init: %v", err)
	}
	defer mgr.Finalize()

	size := queue.CalculateSize(cfg.Slots, uintptr(cfg.Payload))

	rAtoB, err := mgr.Create(size, 0)
	if err != nil {
		log.Fatalf("pingpong: create A->B region: %v", err)
	}
	qAtoB, err := queue.Create(rAtoB.Addr, cfg.Slots, uintptr(cfg.Payload))
	if err != nil {
		log.Fatalf("pingpong: lay out A->B ring: %v", err)
	}
	rBtoA, err := mgr.Create(size, 0)
	if err != nil {
		log.Fatalf("pingpong: create B->A region: %v", err)
	}
	qBtoA, err := queue.Create(rBtoA.Addr, cfg.Slots, uintptr(cfg.Payload))
	if err != nil {
		log.Fatalf("pingpong: lay out B->A ring: %v", err)
	}

	tokenAtoB, err := mgr.Contact(rAtoB)
	if err != nil {
		log.Fatalf("pingpong: contact A->B region: %v", err)
	}
	tokenBtoA, err := mgr.Contact(rBtoA)
	if err != nil {
		log.Fatalf("pingpong: contact B->A region: %v", err)
	}

	sockPath := cfg.BootstrapPath
	if sockPath == "" {
		sockPath = "/tmp/dfshm_bootstrap.sock"
	}
	sockPath += "." + strconv.Itoa(os.Getpid())

	childCmd := exec.CommandContext(ctx, os.Args[0],
		"--child",
		"--bootstrap="+sockPath,
		"--config="+cfgPath,
		"--iterations="+strconv.Itoa(iterations),
	)
	childCmd.Stderr = os.Stderr
	childOut, err := childCmd.StdoutPipe()
	if err != nil {
		log.Fatalf("pingpong: child stdout pipe: %v", err)
	}
	if err := childCmd.Start(); err != nil {
		log.Fatalf("pingpong: start child process: %v", err)
	}

	line, err := bufio.NewReader(childOut).ReadString('\n')
	if err != nil || strings.TrimSpace(line) != childReadyLine {
		log.Fatalf("pingpong: child did not signal readiness (got %q, err %v)", line, err)
	}

	pub := bootstrap.NewPublisher(sockPath)
	if err := pub.Send(encodeTokenPair(tokenAtoB, tokenBtoA)); err != nil {
		log.Fatalf("pingpong: bootstrap send: %v", err)
	}
	pub.Close()

	send, err := endpoint.OpenSender(qAtoB, rAtoB)
	if err != nil {
		log.Fatalf("pingpong: peer A sender: %v", err)
	}
	defer send.Close()
	recv, err := endpoint.OpenReceiver(qBtoA, rBtoA)
	if err != nil {
		log.Fatalf("pingpong: peer A receiver: %v", err)
	}
	defer recv.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return peerALoop(gctx, send, recv, iterations)
	})
	g.Go(func() error {
		if err := childCmd.Wait(); err != nil {
			return fmt.Errorf("child process: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("pingpong: %v", err)
	}
	log.Printf("pingpong: %d round trips completed", iterations)
}

// runChild is peer B: it listens for the bootstrap connection peer A
// dials, attaches both regions by the tokens it receives, and runs its
// half of the exchange.
func runChild(ctx context.Context, variant backend.Variant, cfg config.Config, sockPath string, iterations int) {
	ln, err := bootstrap.Listen(sockPath)
	if err != nil {
		log.Fatalf("pingpong: bootstrap.Listen: %v", err)
	}
	defer ln.Close()

	fmt.Println(childReadyLine)

	blob, err := ln.Accept()
	if err != nil {
		log.Fatalf("pingpong: bootstrap.Accept: %v", err)
	}
	tokenAtoB, tokenBtoA, err := decodeTokenPair(blob)
	if err != nil {
		log.Fatalf("pingpong: decode bootstrap tokens: %v", err)
	}

	mgr, err := region.Init(variant, backend.Config{TempDir: cfg.TempDir})
	if err != nil {
		log.Fatalf("pingpong: region.Init: %v", err)
	}
	defer mgr.Finalize()

	size := queue.CalculateSize(cfg.Slots, uintptr(cfg.Payload))

	rAtoB, err := mgr.Attach(region.UnknownPID, tokenAtoB, size, 0)
	if err != nil {
		log.Fatalf("pingpong: attach A->B region: %v", err)
	}
	qAtoB, err := queue.Open(rAtoB.Addr)
	if err != nil {
		log.Fatalf("pingpong: open A->B ring: %v", err)
	}
	rBtoA, err := mgr.Attach(region.UnknownPID, tokenBtoA, size, 0)
	if err != nil {
		log.Fatalf("pingpong: attach B->A region: %v", err)
	}
	qBtoA, err := queue.Open(rBtoA.Addr)
	if err != nil {
		log.Fatalf("pingpong: open B->A ring: %v", err)
	}

	recv, err := endpoint.OpenReceiver(qAtoB, rAtoB)
	if err != nil {
		log.Fatalf("pingpong: peer B receiver: %v", err)
	}
	defer recv.Close()
	send, err := endpoint.OpenSender(qBtoA, rBtoA)
	if err != nil {
		log.Fatalf("pingpong: peer B sender: %v", err)
	}
	defer send.Close()

	if err := peerBLoop(ctx, recv, send, iterations); err != nil {
		log.Fatalf("pingpong: peer B: %v", err)
	}
}

func peerALoop(ctx context.Context, send, recv *endpoint.Endpoint, iterations int) error {
	ping := make([]byte, 16)
	for i := range ping {
		ping[i] = 'a'
	}
	for i := 0; i < iterations; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := send.Enqueue(ping); err != nil {
			return fmt.Errorf("peer A enqueue: %w", err)
		}
		payload, err := recv.Dequeue()
		if err != nil {
			return fmt.Errorf("peer A dequeue: %w", err)
		}
		if len(payload) != 16 || payload[0] != 'b' {
			return fmt.Errorf("peer A: unexpected reply %q", payload)
		}
		if err := recv.Release(); err != nil {
			return fmt.Errorf("peer A release: %w", err)
		}
	}
	return nil
}

func peerBLoop(ctx context.Context, recv, send *endpoint.Endpoint, iterations int) error {
	pong := make([]byte, 16)
	for i := range pong {
		pong[i] = 'b'
	}
	for i := 0; i < iterations; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		payload, err := recv.Dequeue()
		if err != nil {
			return fmt.Errorf("peer B dequeue: %w", err)
		}
		if len(payload) != 16 || payload[0] != 'a' {
			return fmt.Errorf("peer B: unexpected ping %q", payload)
		}
		if err := recv.Release(); err != nil {
			return fmt.Errorf("peer B release: %w", err)
		}
		if err := send.Enqueue(pong); err != nil {
			return fmt.Errorf("peer B enqueue: %w", err)
		}
	}
	return nil
}

// encodeTokenPair and decodeTokenPair batch the two contact tokens this
// demo needs into the single blob bootstrap.Publisher/Listener ship as
// one frame: each sub-token gets its own 4-byte big-endian length
// prefix, the same framing bootstrap itself uses one level up.
func encodeTokenPair(a, b []byte) []byte {
	buf := make([]byte, 0, 8+len(a)+len(b))
	var lb [4]byte
	binary.BigEndian.PutUint32(lb[:], uint32(len(a)))
	buf = append(buf, lb[:]...)
	buf = append(buf, a...)
	binary.BigEndian.PutUint32(lb[:], uint32(len(b)))
	buf = append(buf, lb[:]...)
	buf = append(buf, b...)
	return buf
}

func decodeTokenPair(blob []byte) (a, b []byte, err error) {
	if len(blob) < 4 {
		return nil, nil, fmt.Errorf("pingpong: bootstrap blob truncated")
	}
	n := binary.BigEndian.Uint32(blob[:4])
	blob = blob[4:]
	if uint32(len(blob)) < n {
		return nil, nil, fmt.Errorf("pingpong: bootstrap blob truncated (token A)")
	}
	a, blob = blob[:n], blob[n:]
	if len(blob) < 4 {
		return nil, nil, fmt.Errorf("pingpong: bootstrap blob truncated (token B length)")
	}
	n = binary.BigEndian.Uint32(blob[:4])
	blob = blob[4:]
	if uint32(len(blob)) < n {
		return nil, nil, fmt.Errorf("pingpong: bootstrap blob truncated (token B)")
	}
	b = blob[:n]
	return a, b, nil
}
