package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/chaz8081/blesc/internal/app"
	"github.com/chaz8081/blesc/internal/ble"
	"github.com/chaz8081/blesc/internal/ble/crypto"
	"github.com/chaz8081/blesc/internal/ble/protocol"
	"github.com/chaz8081/blesc/internal/board"
	"github.com/chaz8081/blesc/internal/config"
	"github.com/chaz8081/blesc/internal/configsvc"
	"github.com/chaz8081/blesc/internal/faultlog"
	"github.com/chaz8081/blesc/internal/session"
)

func runNode(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	prov, err := openProvisioning(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Fault.ScratchPath), 0o700); err != nil {
		return fmt.Errorf("creating fault dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if !prov.Provisioned() {
		if err := serveConfigMode(ctx, cfg, prov, logger); err != nil {
			return err
		}
	}

	host := board.NewHost(cancel, logger)
	faults := faultlog.New(faultlog.NewFileScratch(cfg.Fault.ScratchPath), func() {
		os.Exit(exitRestart)
	}, logger)

	node, err := app.New(cfg, app.Deps{
		Radio:        ble.NewTinyGoRadio(logger),
		Board:        host,
		Provisioning: prov,
		Faults:       faults,
		Logger:       logger,
	})
	if errors.Is(err, app.ErrNotProvisioned) {
		return fmt.Errorf("%w (run 'blesc setup' or 'blesc provision' first)", err)
	}
	if err != nil {
		return err
	}
	logger.Info("[APP] host", "machine", host.Describe(), "node", node.NodeID())

	err = node.Run(ctx)
	if errors.Is(err, board.ErrReboot) {
		logger.Warn("[APP] exiting for restart")
		os.Exit(exitRestart)
	}
	return err
}

// serveConfigMode runs the configuration service until a tools app has
// provisioned the node.
func serveConfigMode(ctx context.Context, cfg *config.Config, prov *config.Provisioning, logger *slog.Logger) error {
	order, err := crypto.ParseWireOrder(cfg.Session.WireOrder)
	if err != nil {
		return err
	}
	srv := configsvc.New(configsvc.NewTinyGoPeripheral(cfg.Setup.AdvInterval, logger), prov, configsvc.Options{
		HardwareID:        cfg.Setup.HardwareID,
		InactivityTimeout: cfg.Setup.InactivityTimeout,
		WireOrder:         order,
	}, logger)

	err = srv.Run(ctx)
	if errors.Is(err, configsvc.ErrStore) {
		logger.Error("[CONFIG] exiting for restart", "error", err)
		os.Exit(exitRestart)
	}
	return err
}

func runSetup(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	prov, err := openProvisioning(cfg)
	if err != nil {
		return err
	}
	if prov.Provisioned() {
		fmt.Println("Already provisioned (run 'blesc provision --erase' to start over)")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := serveConfigMode(ctx, cfg, prov, logger); err != nil {
		return err
	}
	id, _ := prov.NodeID()
	fmt.Printf("Provisioned as node %04X\n", id)
	return nil
}

func runInit(_ *cobra.Command, _ []string) error {
	path, err := config.WriteDefault()
	if err != nil {
		return err
	}
	if path == "" {
		fmt.Println("Config already exists at", config.DefaultConfigPath())
		return nil
	}
	fmt.Println("Wrote", path)
	return nil
}

func runKeygen(_ *cobra.Command, _ []string) error {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}
	printKeys(kp)
	return nil
}

func printKeys(kp crypto.KeyPair) {
	fmt.Println("private:   ", hex.EncodeToString(kp.Private[:]))
	fmt.Println("public:    ", hex.EncodeToString(kp.Public[:]))
	fmt.Println("compressed:", hex.EncodeToString(crypto.CompressPublicKey(kp.Public)))
}

func runProvision(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	prov, err := openProvisioning(cfg)
	if err != nil {
		return err
	}
	flags := cmd.Flags()

	if erase, _ := flags.GetBool("erase"); erase {
		if err := prov.Erase(); err != nil {
			return err
		}
		fmt.Println("Provisioning erased")
		return nil
	}

	if flags.Changed("node-id") {
		id, _ := flags.GetUint16("node-id")
		if err := prov.SetNodeID(id); err != nil {
			return err
		}
		logger.Info("[PROVISION] node id stored", "node", id)
	}

	keys, err := prov.Keys()
	switch {
	case errors.Is(err, config.ErrNotFound):
		keys = config.Keys{}
	case err != nil:
		return err
	}
	changed := false

	if s, _ := flags.GetString("private-key"); s != "" {
		if keys.Local, err = keyPairFromHex(s); err != nil {
			return err
		}
		changed = true
	} else if keys.Local == (crypto.KeyPair{}) {
		if keys.Local, err = crypto.GenerateKeyPair(); err != nil {
			return err
		}
		changed = true
	}

	if s, _ := flags.GetString("bleam-key"); s != "" {
		pub, err := bleamKeyFromHex(s)
		if err != nil {
			return err
		}
		keys.Counterpart = pub[:]
		changed = true
	}

	if changed {
		if err := prov.SetKeys(keys); err != nil {
			return err
		}
		logger.Info("[PROVISION] keys stored", "bleam_key", keys.Counterpart != nil)
	}

	if flags.Changed("rssi-limit") {
		v, _ := flags.GetInt8("rssi-limit")
		if err := prov.SetRssiLimit(v); err != nil {
			return err
		}
	}
	if s, _ := flags.GetString("mode"); s != "" {
		m, err := session.ParseMode(s)
		if err != nil {
			return err
		}
		if err := prov.SetMode(uint8(m)); err != nil {
			return err
		}
	}

	fmt.Println("Install this public key on the bleam:")
	fmt.Println(hex.EncodeToString(crypto.CompressPublicKey(keys.Local.Public)))
	return nil
}

func keyPairFromHex(s string) (crypto.KeyPair, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return crypto.KeyPair{}, fmt.Errorf("private key: %w", err)
	}
	priv, err := crypto.ParsePrivateKey(raw)
	if err != nil {
		return crypto.KeyPair{}, err
	}
	pub, err := crypto.RawPublicKey(&priv.PublicKey)
	if err != nil {
		return crypto.KeyPair{}, err
	}
	var kp crypto.KeyPair
	copy(kp.Private[:], raw)
	kp.Public = pub
	return kp, nil
}

func bleamKeyFromHex(s string) ([crypto.PublicKeySize]byte, error) {
	var pub [crypto.PublicKeySize]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return pub, fmt.Errorf("bleam key: %w", err)
	}
	if len(raw) != crypto.PublicKeySize {
		return crypto.ParseCompressedPublicKey(raw)
	}
	if _, err := crypto.ParsePublicKey(raw); err != nil {
		return pub, err
	}
	copy(pub[:], raw)
	return pub, nil
}

func runErrlog(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	faults := faultlog.New(faultlog.NewFileScratch(cfg.Fault.ScratchPath), nil, logger)
	rec, ok, err := faults.Boot()
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("No fault recorded")
		return nil
	}
	fmt.Printf("kind=%s code=0x%08x file=%d line=%d id=0x%04x\n", rec.Kind, rec.Code, rec.FileID, rec.Line, rec.ID)
	return nil
}

func runScan(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := ble.NewClient(ble.NewTinyGoRadio(logger), ble.ClientOptions{QueueSize: cfg.Scanner.QueueSize}, logger)
	if err != nil {
		return err
	}

	opts := ble.DefaultSurveyOptions()
	if d, _ := cmd.Flags().GetDuration("duration"); d > 0 {
		opts.Duration = d
	}
	opts.Classify.RssiLimit = int8(cfg.Scanner.RssiLimit)
	opts.Classify.NodeID = cfg.Scanner.NodeID
	if opts.Classify.NodeID == 0 {
		if prov, err := openProvisioning(cfg); err == nil {
			if id, err := prov.NodeID(); err == nil {
				opts.Classify.NodeID = id
			}
		}
	}

	fmt.Printf("Scanning for %s...\n", opts.Duration)
	sightings, err := ble.Survey(ctx, client, opts)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tKIND\tID\tRSSI\tCOUNT")
	for _, s := range sightings {
		id := "-"
		switch s.Advert.Kind {
		case protocol.AdvBleam:
			id = hex.EncodeToString(s.Advert.Bleam[:])
		case protocol.AdvIOS:
			id = s.Advert.Fingerprint.String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n", s.Addr, s.Advert.Kind, id, s.RSSI, s.Count)
	}
	return w.Flush()
}
