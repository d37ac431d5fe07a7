// Usage: go run scripts/unpack-backup.go <bundle> <output-folder>
//
// Turns a bundle uploaded by rethink-backup (name.tar[.gz][.enc]) back into a
// backup folder that can be restored with --import. Encrypted bundles need the
// ENCRYPTION_KEY environment variable (base64-encoded 32-byte key).
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/jorgepascosoto/rethink-backup/internal/archive"
	"github.com/jorgepascosoto/rethink-backup/internal/compress"
	"github.com/jorgepascosoto/rethink-backup/internal/config"
	"github.com/jorgepascosoto/rethink-backup/internal/encrypt"
	"github.com/jorgepascosoto/rethink-backup/internal/storage"
)

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "Usage: %s <bundle> <output-folder>\n", os.Args[0])
		os.Exit(1)
	}
	bundle, dest := os.Args[1], os.Args[2]

	stages, err := stagesFor(bundle)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	f, err := os.Open(bundle)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open bundle: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	names, err := storage.Unpack(f, dest, stages...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to unpack bundle: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Unpacked %d file(s) into %s\n", len(names), dest)
}

// stagesFor reads the stages a bundle went through from its extensions.
func stagesFor(bundle string) ([]storage.Stage, error) {
	var stages []storage.Stage
	name := bundle

	var encryptor *encrypt.AESEncryptor
	if strings.HasSuffix(name, ".enc") {
		key, err := config.DecodeEncryptionKey(os.Getenv("ENCRYPTION_KEY"))
		if err != nil {
			return nil, err
		}
		if key == nil {
			return nil, fmt.Errorf("ENCRYPTION_KEY environment variable not set")
		}
		if encryptor, err = encrypt.NewAESEncryptor(key); err != nil {
			return nil, err
		}
		name = strings.TrimSuffix(name, ".enc")
	}

	gzip := compress.NewGzip()
	if strings.HasSuffix(name, gzip.Extension()) {
		stages = append(stages, gzip)
		name = strings.TrimSuffix(name, gzip.Extension())
	}
	if encryptor != nil {
		stages = append(stages, encryptor)
	}

	if !strings.HasSuffix(name, archive.Extension) {
		return nil, fmt.Errorf("%s does not look like a backup bundle", bundle)
	}
	return stages, nil
}
