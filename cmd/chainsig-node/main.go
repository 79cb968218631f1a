// Command chainsig-node runs one member of the threshold-ECDSA signing
// network.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luxfi/chainsig/chain"
	"github.com/luxfi/chainsig/node"
	"github.com/luxfi/chainsig/pkg/hpke"
	"github.com/luxfi/chainsig/pkg/party"
	"github.com/luxfi/chainsig/storage"
)

var (
	nodeID        uint32
	nearRPC       string
	mpcContractID string
	account       string
	accountSK     string
	webPort       int
	myAddress     string
	cipherSKHex   string
	signSKHex     string
	minTriples    int
	maxTriples    int
	verbose       bool

	storageOpts storage.Options

	rootCmd = &cobra.Command{
		Use:   "chainsig-node",
		Short: "Threshold-ECDSA MPC signing node",
		Long: `chainsig-node is one member of a T-of-N threshold-ECDSA signing
network. Nodes follow a coordination contract through key generation,
steady-state signing and resharing, and answer on-chain sign requests
without any node ever holding the full private key.`,
	}

	startCmd = &cobra.Command{
		Use:   "start",
		Short: "Start the node",
		RunE:  runStart,
	}

	keysCmd = &cobra.Command{
		Use:   "generate-keys",
		Short: "Generate a fresh cipher and signing key pair",
		RunE:  runGenerateKeys,
	}
)

func init() {
	flags := startCmd.Flags()
	flags.Uint32Var(&nodeID, "node-id", 0, "this node's participant id")
	flags.StringVar(&nearRPC, "near-rpc", "", "chain RPC gateway URL")
	flags.StringVar(&mpcContractID, "mpc-contract-id", "", "account id of the coordination contract")
	flags.StringVar(&account, "account", "", "this node's chain account id")
	flags.StringVar(&accountSK, "account-sk", "", "hex seed of the account's transaction signing key")
	flags.IntVar(&webPort, "web-port", 3000, "peer HTTP port")
	flags.StringVar(&myAddress, "my-address", "", "URL peers reach this node at")
	flags.StringVar(&cipherSKHex, "cipher-sk", "", "hex seed of the frame encryption key")
	flags.StringVar(&signSKHex, "sign-sk", "", "hex seed of the frame signing key (defaults to account-sk)")
	flags.IntVar(&minTriples, "min-triples", 8, "triple pool target")
	flags.IntVar(&maxTriples, "max-triples", 16, "triple pool cap")

	flags.StringVar(&storageOpts.GCPProjectID, "gcp-project-id", "", "GCP project id (not read by the storage backends)")
	flags.StringVar(&storageOpts.SkShareSecretID, "sk-share-secret-id", "", "enables the gateway-backed key share store (with gcp-datastore-url)")
	flags.StringVar(&storageOpts.GCPDatastoreURL, "gcp-datastore-url", "", "datastore gateway URL (or local emulator)")
	flags.BoolVar(&storageOpts.UseGCPSecretManager, "use-gcp-secret-manager", false, "not read by the storage backends")
	flags.StringVar(&storageOpts.Env, "env", "", "environment suffix for storage entries")

	for _, required := range []string{"near-rpc", "mpc-contract-id", "account", "account-sk", "my-address", "cipher-sk"} {
		_ = startCmd.MarkFlagRequired(required)
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.AddCommand(startCmd, keysCmd)
}

func newLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func parseSeed(name, value string) ([]byte, error) {
	seed, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", name, err)
	}
	if len(seed) != 32 {
		return nil, fmt.Errorf("invalid %s: expected 32 bytes, got %d", name, len(seed))
	}
	return seed, nil
}

func runStart(_ *cobra.Command, _ []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	accountSeed, err := parseSeed("account-sk", accountSK)
	if err != nil {
		return err
	}
	accountKey := ed25519.NewKeyFromSeed(accountSeed)

	signKey := accountKey
	if signSKHex != "" {
		signSeed, err := parseSeed("sign-sk", signSKHex)
		if err != nil {
			return err
		}
		signKey = ed25519.NewKeyFromSeed(signSeed)
	}

	cipherSeed, err := parseSeed("cipher-sk", cipherSKHex)
	if err != nil {
		return err
	}
	var cipherSK hpke.SecretKey
	copy(cipherSK[:], cipherSeed)

	contract := chain.NewClient(nearRPC, mpcContractID, account, accountKey)

	n, err := node.NewNode(
		logger,
		node.Config{
			NodeID:     party.ID(nodeID),
			AccountID:  account,
			MyAddress:  myAddress,
			WebPort:    webPort,
			MinTriples: minTriples,
			MaxTriples: maxTriples,
		},
		contract,
		signKey,
		cipherSK,
		storage.NewSecretStorage(&storageOpts),
		storage.NewTripleStorage(&storageOpts, account),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting mpc node",
		zap.Uint32("node_id", nodeID),
		zap.String("account", account),
		zap.String("contract", mpcContractID))
	return n.Run(ctx)
}

func runGenerateKeys(_ *cobra.Command, _ []string) error {
	cipherSK, cipherPK, err := hpke.GenerateKeyPair()
	if err != nil {
		return err
	}
	signPK, signSK, err := ed25519.GenerateKey(nil)
	if err != nil {
		return err
	}
	fmt.Printf("cipher-sk: %s\n", hex.EncodeToString(cipherSK[:]))
	fmt.Printf("cipher-pk: %s\n", hex.EncodeToString(cipherPK[:]))
	fmt.Printf("sign-sk:   %s\n", hex.EncodeToString(signSK.Seed()))
	fmt.Printf("sign-pk:   %s\n", hex.EncodeToString(signPK))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
