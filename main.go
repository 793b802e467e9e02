package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rawscript/red-giant/config"
	"github.com/rawscript/red-giant/discovery"
	"github.com/rawscript/red-giant/rgtp"
	"github.com/rawscript/red-giant/storage"
	"github.com/rawscript/red-giant/wire"
)

func main() {
	log.SetFlags(log.LstdFlags)
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "expose":
		runExpose(os.Args[2:])
	case "pull":
		runPull(os.Args[2:])
	case "discover":
		runDiscover(os.Args[2:])
	case "transfers":
		runTransfers(os.Args[2:])
	case "version":
		fmt.Printf("red-giant %s (protocol v%d)\n", rgtp.Version, rgtp.ProtocolVersion)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: red-giant <command> [flags]

commands:
  expose <file>             expose a file for pulling
  pull <host> <output>      pull an exposed payload into a file
  discover                  list surfaces exposed on the LAN
  transfers                 list the local transfer ledger
  version                   print version`)
}

type node struct {
	cfg     *config.NodeConfig
	dataDir string
	store   *storage.Store
	engine  *rgtp.Engine
}

func startNode() *node {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}
	dataDir := filepath.Dir(cfgPath)

	store, _, err := storage.Open(dataDir)
	if err != nil {
		log.Fatalf("startup failed while opening database: %v", err)
	}

	engine, err := rgtp.NewEngine(nil)
	if err != nil {
		log.Fatalf("startup failed while initializing transfer engine: %v", err)
	}

	return &node{cfg: cfg, dataDir: dataDir, store: store, engine: engine}
}

func (n *node) close() {
	n.engine.Close()
	if err := n.store.Close(); err != nil {
		log.Printf("database close error: %v", err)
	}
}

// presetConfig maps the persisted preset name to library tuning.
func presetConfig(name string) *rgtp.Config {
	switch name {
	case config.PresetLAN:
		return rgtp.LANConfig()
	case config.PresetWAN:
		return rgtp.WANConfig()
	case config.PresetMobile:
		return rgtp.MobileConfig()
	default:
		return rgtp.DefaultConfig()
	}
}

func loadSecret(cfg *rgtp.Config, path string) {
	if path == "" {
		return
	}
	secret, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("startup failed while reading secret file: %v", err)
	}
	cfg.EnableEncryption = true
	cfg.EncryptionSecret = secret
}

func runExpose(args []string) {
	fs := flag.NewFlagSet("expose", flag.ExitOnError)
	port := fs.Uint("port", 0, "UDP port to expose on (0 uses the configured port)")
	preset := fs.String("preset", "", "tuning preset: default, lan, wan, mobile")
	chunkSize := fs.Uint("chunk-size", 0, "chunk size in bytes (0 picks one from the payload size)")
	name := fs.String("name", "", "instance name announced on the LAN")
	wait := fs.Duration("wait", 0, "how long to serve (0 serves until interrupted)")
	secretPath := fs.String("secret", "", "path to a pre-shared secret file; enables sealed chunks")
	compress := fs.Bool("compress", false, "compress chunk payloads")
	announce := fs.Bool("announce", true, "announce the surface via mDNS")
	fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: red-giant expose [flags] <file>")
		os.Exit(2)
	}
	path := fs.Arg(0)

	n := startNode()
	defer n.close()

	presetName := n.cfg.Preset
	if *preset != "" {
		presetName = *preset
	}
	cfg := presetConfig(presetName)
	if *chunkSize > 0 {
		cfg.ChunkSize = uint32(*chunkSize)
	}
	cfg.EnableCompression = *compress
	secret := *secretPath
	if secret == "" {
		secret = n.cfg.SecretPath
	}
	loadSecret(cfg, secret)
	if *port != 0 {
		cfg.Port = uint16(*port)
	} else {
		cfg.Port = uint16(n.cfg.Port)
	}

	session, err := rgtp.NewSession(n.engine, cfg)
	if err != nil {
		log.Fatalf("startup failed while binding expose socket: %v", err)
	}
	defer session.Close()

	surface, err := session.ExposeFile(path)
	if err != nil {
		log.Fatalf("expose failed: %v", err)
	}
	manifest := surface.Manifest()
	contentHash := hex.EncodeToString(manifest.ContentHash[:])

	transferID, err := n.store.SaveTransfer(storage.Transfer{
		SessionID:   surface.SessionID(),
		Direction:   storage.DirectionExpose,
		TotalSize:   manifest.TotalSize,
		ChunkSize:   manifest.OptimalChunkSize,
		ChunkCount:  manifest.ChunkCount,
		ContentHash: contentHash,
	})
	if err != nil {
		log.Printf("transfer ledger write failed: %v", err)
	}

	fmt.Printf("Session:    %08x\n", surface.SessionID())
	fmt.Printf("Payload:    %s (%d bytes, %d chunks of %d)\n",
		path, manifest.TotalSize, manifest.ChunkCount, manifest.OptimalChunkSize)
	fmt.Printf("Address:    %s\n", session.Addr())
	fmt.Printf("Hash:       %s\n", contentHash)

	if *announce {
		instance := *name
		if instance == "" {
			instance = filepath.Base(path)
		}
		announcer, err := discovery.StartAnnouncer(discovery.Config{SelfNodeID: n.cfg.NodeID}, discovery.Announcement{
			SessionID:   surface.SessionID(),
			TotalSize:   manifest.TotalSize,
			ChunkCount:  manifest.ChunkCount,
			ContentHash: contentHash,
			Name:        instance,
			Port:        int(cfg.Port),
		})
		if err != nil {
			log.Printf("mDNS announcement failed: %v", err)
		} else {
			defer announcer.Stop()
			fmt.Println("Discovery:  announcing")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Status:     exposing (press Ctrl+C to stop)")
	if *wait > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(*wait):
		}
	} else {
		<-ctx.Done()
	}

	if transferID != "" {
		status := storage.StatusFailed
		if session.State() == rgtp.SessionComplete {
			status = storage.StatusComplete
		}
		if err := n.store.UpdateTransferStatus(transferID, status); err != nil {
			log.Printf("transfer ledger update failed: %v", err)
		}
	}
	if stats, err := session.Stats(); err == nil {
		fmt.Printf("Served:     %d chunks, %d retransmissions, %.1f%% efficiency\n",
			stats.ChunksTransferred, stats.Retransmissions, stats.EfficiencyPercent())
	}
}

func runPull(args []string) {
	fs := flag.NewFlagSet("pull", flag.ExitOnError)
	port := fs.Uint("port", config.DefaultPort, "exposer UDP port")
	preset := fs.String("preset", "", "tuning preset: default, lan, wan, mobile")
	timeout := fs.Duration("timeout", 0, "overall pull timeout (0 uses the preset's)")
	secretPath := fs.String("secret", "", "path to the pre-shared secret file")
	fs.Parse(args)
	if fs.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "usage: red-giant pull [flags] <host> <output-file>")
		os.Exit(2)
	}
	host := fs.Arg(0)
	outPath := fs.Arg(1)

	n := startNode()
	defer n.close()

	presetName := n.cfg.Preset
	if *preset != "" {
		presetName = *preset
	}
	cfg := presetConfig(presetName)
	if *timeout > 0 {
		cfg.Timeout = *timeout
	}
	secret := *secretPath
	if secret == "" {
		secret = n.cfg.SecretPath
	}
	loadSecret(cfg, secret)
	cfg.ResumeLookup = n.lookupResume

	var lastReport time.Time
	cfg.OnProgress = func(transferred, total uint64) {
		if time.Since(lastReport) < time.Second && transferred < total {
			return
		}
		lastReport = time.Now()
		log.Printf("pull: %d / %d bytes (%.1f%%)", transferred, total,
			float64(transferred)/float64(total)*100)
	}

	client, err := rgtp.NewClient(n.engine, cfg)
	if err != nil {
		log.Fatalf("startup failed while binding pull socket: %v", err)
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	if err := client.PullToFile(ctx, host, uint16(*port), outPath); err != nil {
		n.saveResume(client)
		log.Fatalf("pull failed: %v", err)
	}
	n.finishResume(client)

	if stats, err := client.Stats(); err == nil {
		fmt.Printf("Pulled:     %s (%d bytes in %s)\n", outPath, stats.TotalBytes, time.Since(start).Round(time.Millisecond))
		fmt.Printf("Chunks:     %d delivered, %d retransmissions, %.1f%% efficiency\n",
			stats.ChunksTransferred, stats.Retransmissions, stats.EfficiencyPercent())
	} else {
		fmt.Printf("Pulled:     %s\n", outPath)
	}
}

// lookupResume rehydrates a saved pull for a session from the ledger:
// the bitmap lives in SQLite, the partial payload next to it on disk.
func (n *node) lookupResume(sessionID uint32, manifest wire.Manifest) *rgtp.ResumeState {
	transfer, err := n.store.FindTransferBySession(sessionID, storage.DirectionPull)
	if err != nil {
		return nil
	}
	if transfer.TotalSize != manifest.TotalSize || transfer.ChunkSize != manifest.OptimalChunkSize {
		return nil
	}
	resume, err := n.store.GetResume(transfer.TransferID)
	if err != nil {
		return nil
	}
	payload, err := os.ReadFile(resume.PayloadPath)
	if err != nil {
		return nil
	}
	log.Printf("pull: resuming session %08x from %d saved chunks", sessionID, resume.ChunksDone)
	return &rgtp.ResumeState{Bitmap: resume.Bitmap, Payload: payload}
}

// saveResume persists a failed pull's partial state for the next run.
func (n *node) saveResume(client *rgtp.Client) {
	prog := client.Progress()
	if prog == nil || prog.Done == 0 || prog.Done == prog.Manifest.ChunkCount {
		return
	}

	transfer, err := n.store.FindTransferBySession(prog.SessionID, storage.DirectionPull)
	if errors.Is(err, storage.ErrNotFound) {
		transfer.TransferID, err = n.store.SaveTransfer(storage.Transfer{
			SessionID:   prog.SessionID,
			Direction:   storage.DirectionPull,
			TotalSize:   prog.Manifest.TotalSize,
			ChunkSize:   prog.Manifest.OptimalChunkSize,
			ChunkCount:  prog.Manifest.ChunkCount,
			ContentHash: hex.EncodeToString(prog.Manifest.ContentHash[:]),
		})
	}
	if err != nil {
		log.Printf("transfer ledger write failed: %v", err)
		return
	}

	partialPath := filepath.Join(n.dataDir, "partial", fmt.Sprintf("%08x.partial", prog.SessionID))
	if err := os.WriteFile(partialPath, prog.Resume.Payload, 0o600); err != nil {
		log.Printf("partial payload write failed: %v", err)
		return
	}
	if err := n.store.UpsertResume(storage.Resume{
		TransferID:  transfer.TransferID,
		Bitmap:      prog.Resume.Bitmap,
		ChunksDone:  prog.Done,
		PayloadPath: partialPath,
	}); err != nil {
		log.Printf("resume state write failed: %v", err)
		return
	}
	log.Printf("pull: saved resume state, %d of %d chunks", prog.Done, prog.Manifest.ChunkCount)
}

// finishResume marks the ledger row complete and drops resume state.
func (n *node) finishResume(client *rgtp.Client) {
	prog := client.Progress()
	if prog == nil {
		return
	}
	transfer, err := n.store.FindTransferBySession(prog.SessionID, storage.DirectionPull)
	if errors.Is(err, storage.ErrNotFound) {
		if _, err := n.store.SaveTransfer(storage.Transfer{
			SessionID:   prog.SessionID,
			Direction:   storage.DirectionPull,
			TotalSize:   prog.Manifest.TotalSize,
			ChunkSize:   prog.Manifest.OptimalChunkSize,
			ChunkCount:  prog.Manifest.ChunkCount,
			ContentHash: hex.EncodeToString(prog.Manifest.ContentHash[:]),
			Status:      storage.StatusComplete,
		}); err != nil {
			log.Printf("transfer ledger write failed: %v", err)
		}
		return
	}
	if err != nil {
		log.Printf("transfer ledger lookup failed: %v", err)
		return
	}

	if resume, err := n.store.GetResume(transfer.TransferID); err == nil && resume.PayloadPath != "" {
		os.Remove(resume.PayloadPath)
	}
	if err := n.store.DeleteResume(transfer.TransferID); err != nil {
		log.Printf("resume state delete failed: %v", err)
	}
	if err := n.store.UpdateTransferStatus(transfer.TransferID, storage.StatusComplete); err != nil {
		log.Printf("transfer ledger update failed: %v", err)
	}
}

func runDiscover(args []string) {
	fs := flag.NewFlagSet("discover", flag.ExitOnError)
	wait := fs.Duration("wait", discovery.DefaultScanTimeout, "how long to browse before listing")
	fs.Parse(args)

	n := startNode()
	defer n.close()

	scanner, err := discovery.NewSurfaceScanner(discovery.Config{
		SelfNodeID:  n.cfg.NodeID,
		ScanTimeout: *wait,
	})
	if err != nil {
		log.Fatalf("startup failed while creating surface scanner: %v", err)
	}
	if err := scanner.Start(); err != nil {
		log.Fatalf("startup failed while starting surface scanner: %v", err)
	}
	defer scanner.Stop()

	// Start primes one scan; Refresh blocks until a full browse window
	// has been applied, so the listing below is never empty by racing.
	ctx, cancel := context.WithTimeout(context.Background(), 2*(*wait)+time.Second)
	defer cancel()
	if err := scanner.Refresh(ctx); err != nil {
		log.Printf("mDNS browse failed: %v", err)
	}

	surfaces := scanner.ListSurfaces()
	if len(surfaces) == 0 {
		fmt.Println("no exposed surfaces found")
		return
	}
	for _, s := range surfaces {
		host := s.HostName
		if len(s.Addresses) > 0 {
			host = s.Addresses[0]
		}
		fmt.Printf("%08x  %-24s  %d bytes (%d chunks)  %s:%d\n",
			s.SessionID, s.Name, s.TotalSize, s.ChunkCount, host, s.Port)
	}
}

func runTransfers(args []string) {
	fs := flag.NewFlagSet("transfers", flag.ExitOnError)
	status := fs.String("status", "", "filter by status: active, complete, failed, timed_out")
	fs.Parse(args)

	n := startNode()
	defer n.close()

	transfers, err := n.store.ListTransfers(*status)
	if err != nil {
		log.Fatalf("transfer ledger read failed: %v", err)
	}
	if len(transfers) == 0 {
		fmt.Println("no transfers")
		return
	}
	for _, t := range transfers {
		fmt.Printf("%s  %08x  %-6s  %-9s  %d bytes (%d chunks)\n",
			t.TransferID, t.SessionID, t.Direction, t.Status, t.TotalSize, t.ChunkCount)
	}
}
