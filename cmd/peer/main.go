// Command peer is a reference CLI embedding of the transfer engine: one
// binary that can sit on either side of a transfer, the way the teacher
// shipped separate sender/receiver binaries around the same transport
// package. Unlike the teacher's split binaries, a single peer here can
// both listen for incoming transfers and originate outgoing ones, since
// spec.md's protocol loop is symmetric per-role rather than per-process.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/colorstring"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/time/rate"

	"github.com/deb2000-sudo/dropshift/internal/config"
	"github.com/deb2000-sudo/dropshift/internal/events"
	"github.com/deb2000-sudo/dropshift/internal/ledger"
	"github.com/deb2000-sudo/dropshift/internal/logging"
	"github.com/deb2000-sudo/dropshift/internal/protocol/v2"
	"github.com/deb2000-sudo/dropshift/internal/protocol/v5"
	"github.com/deb2000-sudo/dropshift/internal/reconnect"
	"github.com/deb2000-sudo/dropshift/internal/transfer"
	"github.com/deb2000-sudo/dropshift/internal/wire"
	"github.com/deb2000-sudo/dropshift/pkg/utils"
)

func main() {
	listenAddr := flag.String("listen", "", "address to accept incoming transfers on, e.g. :49111")
	peerAddr := flag.String("peer", "", "peer address to send files to, e.g. host:49111")
	sendFiles := flag.String("send", "", "comma-separated list of file paths to send to -peer")
	outDir := flag.String("out", "received", "directory incoming files are written to")
	ledgerPath := flag.String("ledger", "peer.ledger.jsonl", "path to the append-only transfer ledger")
	rateLimitMbps := flag.Float64("rate-limit-mbps", 0, "cap outbound bandwidth in Mbps (0 disables)")
	flag.Parse()

	cfg := &config.Config{}
	cfg.Normalize()

	led, err := ledger.Open(*ledgerPath)
	if err != nil {
		log.Fatalf("open ledger: %v", err)
	}
	defer led.Close()

	root := logging.New("").With("peer")
	mgr := transfer.NewManager()

	var limiter *rate.Limiter
	if *rateLimitMbps > 0 {
		bytesPerSec := *rateLimitMbps * 1024 * 1024 / 8
		limiter = rate.NewLimiter(rate.Limit(bytesPerSec), int(bytesPerSec))
	}

	ctx, cancel := context.WithCancel(context.Background())
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		root.Infof("shutting down")
		cancel()
	}()

	if *listenAddr != "" {
		go runListener(ctx, *listenAddr, *outDir, cfg, led, mgr, limiter, root)
	}

	if *peerAddr != "" && *sendFiles != "" {
		paths := strings.Split(*sendFiles, ",")
		if err := runSend(ctx, *peerAddr, paths, cfg, led, mgr, limiter, root); err != nil {
			log.Fatalf("send: %v", err)
		}
		return
	}

	if *listenAddr == "" {
		flag.Usage()
		os.Exit(1)
	}
	<-ctx.Done()
}

// cliEmitter adapts progressbar + the logger into events.Emitter /
// events.TransferEmitter, the way the teacher's sender printed a bar for
// a single in-flight file (cmd/sender's progressbar.NewOptions64 usage).
type cliEmitter struct {
	log  *logging.Logger
	bars map[string]*progressbar.ProgressBar
}

func newCLIEmitter(log *logging.Logger) *cliEmitter {
	return &cliEmitter{log: log, bars: make(map[string]*progressbar.ProgressBar)}
}

// bar lazily creates a progress bar for fileID the first time its size is
// known, the way the teacher's sender created one bar per whole transfer.
func (c *cliEmitter) bar(fileID string, size int64) *progressbar.ProgressBar {
	if b, ok := c.bars[fileID]; ok {
		return b
	}
	b := progressbar.NewOptions64(size,
		progressbar.OptionSetDescription(fileID),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(15),
		progressbar.OptionThrottle(100*time.Millisecond),
	)
	c.bars[fileID] = b
	return b
}

func (c *cliEmitter) Emit(fileID string, e events.Emitted) {
	switch e.Kind {
	case events.KindProgress:
		if b, ok := c.bars[fileID]; ok {
			_ = b.Set64(int64(e.Bytes))
		}
	case events.KindSuccess:
		c.log.Infof(colorstring.Color("[green]file %s complete"), fileID)
	case events.KindCancelled:
		c.log.Infof(colorstring.Color("[yellow]file %s cancelled (by peer=%v)"), fileID, e.ByPeer)
	case events.KindRejected:
		c.log.Infof(colorstring.Color("[yellow]file %s rejected (by peer=%v)"), fileID, e.ByPeer)
	case events.KindFailed:
		c.log.Warnf(colorstring.Color("[red]file %s failed: %v"), fileID, e.Err)
	case events.KindPaused:
		c.log.Infof("file %s paused, awaiting reconnect", fileID)
	}
}

func (c *cliEmitter) IncomingTransfer(transferID string) { c.log.Infof("incoming transfer %s", transferID) }
func (c *cliEmitter) TransferCanceled(transferID string, byPeer bool) {
	c.log.Infof("transfer %s cancelled (by peer=%v)", transferID, byPeer)
}
func (c *cliEmitter) TransferFailed(transferID string, err error) {
	c.log.Warnf("transfer %s failed: %v", transferID, err)
}

func runListener(ctx context.Context, addr, outDir string, cfg *config.Config, led *ledger.Ledger, mgr *transfer.Manager, limiter *rate.Limiter, root *logging.Logger) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		root.Errorf("listen %s: %v", addr, err)
		return
	}
	defer ln.Close()
	root.Infof("listening on %s", addr)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				root.Warnf("accept: %v", err)
				continue
			}
		}
		go handleIncoming(ctx, conn, outDir, cfg, led, mgr, limiter, root)
	}
}

func handleIncoming(ctx context.Context, conn net.Conn, outDir string, cfg *config.Config, led *ledger.Ledger, mgr *transfer.Manager, limiter *rate.Limiter, root *logging.Logger) {
	ch := wire.NewChannel(conn)
	xfer := transfer.NewTransfer(uuid.NewString(), transfer.PeerInfo{Address: conn.RemoteAddr().String()}, transfer.DirectionIncoming)
	if err := mgr.InsertIncoming(xfer); err != nil {
		root.Errorf("insert incoming: %v", err)
		_ = ch.Close()
		return
	}

	emitter := newCLIEmitter(root.With("xfer " + xfer.ID))
	aae := &autoAcceptEmitter{cliEmitter: emitter, outDir: outDir, xfer: xfer}
	lp := v5.New(ch, xfer, mgr, led, cfg, v5.RoleServer, emitter, aae)
	aae.loop = lp
	if limiter != nil {
		lp.SetLimiter(limiter)
	}
	if err := lp.Run(ctx); err != nil {
		root.Warnf("transfer %s ended: %v", xfer.ID, err)
	}
}

// autoAcceptEmitter accepts every offered file to outDir as soon as the
// transfer request arrives, standing in for the embedding application's
// accept/reject decision (spec.md §6 leaves that choice to the caller).
type autoAcceptEmitter struct {
	*cliEmitter
	loop   *v5.Loop
	outDir string
	xfer   *transfer.Transfer
}

func (a *autoAcceptEmitter) IncomingTransfer(transferID string) {
	a.cliEmitter.IncomingTransfer(transferID)
	_ = os.MkdirAll(a.outDir, 0o755)
	for _, id := range a.xfer.Order {
		f := a.xfer.Files[id]
		a.bar(id, f.Size)
		dest := filepath.Join(a.outDir, filepath.Base(f.RelativePath))
		a.loop.Accept(id, dest)
	}
}

func runSend(ctx context.Context, peerAddr string, paths []string, cfg *config.Config, led *ledger.Ledger, mgr *transfer.Manager, limiter *rate.Limiter, root *logging.Logger) error {
	ch, err := wire.Dial(peerAddr, 10*time.Second)
	if err != nil {
		return err
	}

	xfer := transfer.NewTransfer(uuid.NewString(), transfer.PeerInfo{Address: peerAddr}, transfer.DirectionOutgoing)
	for _, p := range paths {
		p = strings.TrimSpace(p)
		info, err := os.Stat(p)
		if err != nil {
			return err
		}
		id := utils.HashBytesSHA256([]byte(p))
		if err := xfer.AddFile(&transfer.File{ID: id, RelativePath: filepath.Base(p), LocalPath: p, Size: info.Size()}); err != nil {
			return err
		}
	}
	if err := mgr.InsertOutgoing(xfer); err != nil {
		return err
	}

	root.Infof("sending %d file(s) (%s total) to %s", len(xfer.Order), utils.HumanBytes(totalSize(xfer)), peerAddr)

	emitter := newCLIEmitter(root.With("xfer " + xfer.ID))
	for _, id := range xfer.Order {
		emitter.bar(id, xfer.Files[id].Size)
	}
	return driveLoop(ctx, peerAddr, ch, xfer, mgr, led, cfg, limiter, emitter, root)
}

// driveLoop runs xfer's v5 (or v2, after a fallback reconnect) loop to
// completion, and on a dropped channel hands the drop to a
// reconnect.Driver to redial and resume against the same *transfer.
// Transfer rather than letting the goroutine simply exit (spec.md §4.H,
// §8 scenarios 4/5). Only the outgoing/client side reconnects here: the
// driver redials a known address, which only the side that originated
// the connection has.
func driveLoop(ctx context.Context, peerAddr string, ch *wire.Channel, xfer *transfer.Transfer, mgr *transfer.Manager, led *ledger.Ledger, cfg *config.Config, limiter *rate.Limiter, emitter *cliEmitter, root *logging.Logger) error {
	driver := reconnect.NewDriver(peerAddr, cfg)
	version := reconnect.VersionV5

	for {
		var err error
		switch version {
		case reconnect.VersionV2:
			lp := v2.New(ch, xfer, mgr, led, cfg, v2.RoleClient, emitter, emitter)
			err = lp.Run(ctx)
		default:
			lp := v5.New(ch, xfer, mgr, led, cfg, v5.RoleClient, emitter, emitter)
			if limiter != nil {
				lp.SetLimiter(limiter)
			}
			err = lp.Run(ctx)
		}

		if err == nil || ctx.Err() != nil || xfer.AllFilesTerminal() {
			return err
		}

		root.Warnf("connection to %s lost (%v), reconnecting", peerAddr, err)
		newCh, negotiated, rerr := driver.Reconnect(ctx, probeV5)
		if rerr != nil {
			root.Warnf("transfer %s failed: %v", xfer.ID, rerr)
			return rerr
		}
		ch = newCh
		version = negotiated
	}
}

// probeV5 sends a Ping over a freshly dialed channel and waits briefly for
// a Pong: a reply means the peer still speaks v5, so the reconnect driver
// keeps ch on the v5 loop; a timeout falls back to v2 on the same
// channel, per reconnect.ProbeFunc's contract.
func probeV5(ctx context.Context, ch *wire.Channel) (bool, error) {
	if err := ch.SendMessage(wire.PingMessage()); err != nil {
		return false, err
	}
	m, _, err := ch.ReadFrame(time.Now().Add(3 * time.Second))
	if err != nil {
		if isTimeout(err) {
			return false, nil
		}
		return false, err
	}
	return m.Type == wire.TypePong, nil
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	t, ok := err.(timeouter)
	return ok && t.Timeout()
}

func totalSize(xfer *transfer.Transfer) int64 {
	var total int64
	for _, id := range xfer.Order {
		total += xfer.Files[id].Size
	}
	return total
}
