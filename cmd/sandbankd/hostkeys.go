package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v2"

	"sandbank/bank"
	"sandbank/cmd/internal/passphrase"
	"sandbank/crypto"
)

// envKeyPassphrase names the variable holding the keystore passphrase; when
// unset the host-keys commands prompt for it.
const envKeyPassphrase = "LIBEUFIN_SANDBOX_KEY_PASSPHRASE"

var (
	hostFlag = &cli.StringFlag{
		Name:     "host",
		Usage:    "EBICS host ID",
		Required: true,
	}
	keysOutFlag = &cli.StringFlag{
		Name:  "out",
		Usage: "directory the keystore files are written into",
		Value: ".",
	}

	hostKeysCommand = &cli.Command{
		Name:  "host-keys",
		Usage: "Move EBICS host keys between sandbox instances",
		Subcommands: []*cli.Command{
			hostKeysExportCommand,
			hostKeysImportCommand,
		},
	}
	hostKeysExportCommand = &cli.Command{
		Name:   "export",
		Usage:  "Write the host's three key pairs into encrypted keystore files",
		Flags:  []cli.Flag{hostFlag, keysOutFlag},
		Action: runHostKeysExport,
	}
	hostKeysImportCommand = &cli.Command{
		Name:      "import",
		Usage:     "Install host keys from keystore files, creating the host if needed",
		ArgsUsage: "DIR",
		Flags:     []cli.Flag{hostFlag},
		Action:    runHostKeysImport,
	}
)

// keyUsages orders the three host key slots for stable file naming.
var keyUsages = []string{"sig", "auth", "enc"}

func keystorePath(dir, hostID, usage string) string {
	return filepath.Join(dir, strings.ToLower(hostID)+"-"+usage+".keystore")
}

func runHostKeysExport(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	hostID := ctx.String(hostFlag.Name)
	host, err := bank.HostByID(db, hostID)
	if err != nil {
		return cli.Exit(fmt.Sprintf("look up host %s: %v", hostID, err), 1)
	}
	secret, err := passphrase.NewSource(envKeyPassphrase, "keystore passphrase").Get()
	if err != nil {
		return cli.Exit(fmt.Sprintf("resolve keystore passphrase: %v", err), 1)
	}
	dir := ctx.String(keysOutFlag.Name)
	slots := hostKeySlots(host)
	for _, usage := range keyUsages {
		key, err := crypto.LoadRsaPrivateKey(slots[usage])
		if err != nil {
			return cli.Exit(fmt.Sprintf("decode %s key: %v", usage, err), 1)
		}
		path := keystorePath(dir, host.HostID, usage)
		if err := crypto.SaveToKeystore(path, key, secret); err != nil {
			return cli.Exit(fmt.Sprintf("write %s: %v", path, err), 1)
		}
		fmt.Printf("wrote %s\n", path)
	}
	return nil
}

func runHostKeysImport(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.Exit("host-keys import needs the keystore directory argument", 1)
	}
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	hostID := ctx.String(hostFlag.Name)
	secret, err := passphrase.NewSource(envKeyPassphrase, "keystore passphrase").Get()
	if err != nil {
		return cli.Exit(fmt.Sprintf("resolve keystore passphrase: %v", err), 1)
	}
	dir := ctx.Args().First()
	material := make(map[string][]byte, len(keyUsages))
	for _, usage := range keyUsages {
		path := keystorePath(dir, hostID, usage)
		key, err := crypto.LoadFromKeystore(path, secret)
		if err != nil {
			return cli.Exit(fmt.Sprintf("read %s: %v", path, err), 1)
		}
		der, err := crypto.MarshalRsaPrivateKey(key)
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
		material[usage] = der
	}
	host, err := bank.ImportHostKeys(db, hostID, material["sig"], material["auth"], material["enc"])
	if err != nil {
		return cli.Exit(fmt.Sprintf("import host keys: %v", err), 1)
	}
	fmt.Printf("host %s keys installed; subscribers must pull HPB again\n", host.HostID)
	return nil
}

func hostKeySlots(host *bank.EbicsHost) map[string][]byte {
	return map[string][]byte{
		"sig":  host.SigPrivateKey,
		"auth": host.AuthPrivateKey,
		"enc":  host.EncPrivateKey,
	}
}
