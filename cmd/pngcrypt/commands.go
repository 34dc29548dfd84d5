package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/kenneth/pngcrypt/internal/config"
	"github.com/kenneth/pngcrypt/internal/crypto"
	"github.com/kenneth/pngcrypt/internal/png"
)

const (
	imagePerm  os.FileMode = 0o644
	bundlePerm os.FileMode = 0o600

	defaultPassphraseEnv = config.EnvPrefix + "PASSPHRASE"
)

func metadataCommand(fs *pflag.FlagSet) func(context.Context, *app, []string) error {
	var opts png.DescribeOptions
	fs.BoolVar(&opts.ShowIDAT, "show-idat", false, "print IDAT payloads")
	fs.BoolVar(&opts.ShowPLTE, "show-plte", false, "print palette entries")

	return func(ctx context.Context, a *app, args []string) error {
		data, err := a.store.Read(ctx, args[0])
		if err != nil {
			return err
		}

		img, err := a.pipeline.Inspect(ctx, bytes.NewReader(data), args[0])
		if img == nil {
			return err
		}

		for i, c := range img.Chunks {
			chunkHeading.Fprintf(a.stdout, "CHUNK #%d\n", i+1)
			fmt.Fprintln(a.stdout, png.Describe(c, opts))
		}
		summaryHeading.Fprint(a.stdout, "Chunks summary")
		fmt.Fprintln(a.stdout, ":")
		for _, tc := range img.Summary() {
			fmt.Fprintf(a.stdout, "%s : %d\n", tc.Type, tc.Count)
		}
		if n := len(img.Trailer); n > 0 {
			printWarning(a.stderr, "%d bytes follow IEND", n)
		}
		return err
	}
}

func cleanCommand(fs *pflag.FlagSet) func(context.Context, *app, []string) error {
	return func(ctx context.Context, a *app, args []string) error {
		data, err := a.store.Read(ctx, args[0])
		if err != nil {
			return err
		}

		var out bytes.Buffer
		if err := a.pipeline.Clean(ctx, bytes.NewReader(data), &out, args[0]); err != nil {
			return err
		}
		if err := a.store.Write(ctx, args[1], out.Bytes(), imagePerm); err != nil {
			return err
		}
		printSuccess(a.stderr, "Wrote clean copy to %s (%d -> %d bytes)", args[1], len(data), out.Len())
		return nil
	}
}

// bundleFlags are shared by the commands that read or write key bundles.
type bundleFlags struct {
	passphraseEnv string
}

func (f *bundleFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.passphraseEnv, "passphrase-env", defaultPassphraseEnv,
		"environment variable holding the bundle passphrase; unset writes a plain bundle")
}

func (f *bundleFlags) passphrase() string {
	return os.Getenv(f.passphraseEnv)
}

func (f *bundleFlags) write(ctx context.Context, a *app, location string, b *crypto.Bundle) error {
	data, err := crypto.SealBundle(b, crypto.SealOptions{
		Passphrase: f.passphrase(),
		Algorithm:  a.cfg.Crypto.BundleAlgorithm,
		Iterations: a.cfg.Crypto.KeyFileIterations,
	})
	if err != nil {
		return err
	}
	if f.passphrase() == "" {
		printWarning(a.stderr, "$%s is not set; %s holds the private key unencrypted", f.passphraseEnv, location)
	}
	return a.store.Write(ctx, location, data, bundlePerm)
}

func (f *bundleFlags) read(ctx context.Context, a *app, location string) (*crypto.Bundle, error) {
	data, err := a.store.Read(ctx, location)
	if err != nil {
		return nil, err
	}
	return crypto.OpenBundle(data, f.passphrase())
}

func keygenCommand(fs *pflag.FlagSet) func(context.Context, *app, []string) error {
	var (
		size    int
		bundles bundleFlags
	)
	fs.IntVar(&size, "size", 0, "key size in bits (default from config)")
	bundles.register(fs)

	return func(ctx context.Context, a *app, args []string) error {
		printInfo(a.stderr, "Searching for a keypair...")
		key, err := a.pipeline.GenerateKeys(ctx, size)
		if err != nil {
			return err
		}
		if err := bundles.write(ctx, a, args[0], &crypto.Bundle{Key: key}); err != nil {
			return err
		}
		printSuccess(a.stderr, "Wrote %d-bit keypair %s to %s", key.Size, key.Fingerprint(), args[0])
		return nil
	}
}

func encryptCommand(fs *pflag.FlagSet) func(context.Context, *app, []string) error {
	var (
		bundlePath string
		keyPath    string
		modeName   string
		size       int
		bundles    bundleFlags
	)
	fs.StringVarP(&bundlePath, "bundle", "b", "", "where to write the bundle needed for decryption (required)")
	fs.StringVarP(&keyPath, "key", "k", "", "bundle holding the keypair to use (default: generate one)")
	fs.StringVarP(&modeName, "mode", "m", "", "cipher mode, ECB or CBC (default from config)")
	fs.IntVar(&size, "size", 0, "key size in bits when generating (default from config)")
	bundles.register(fs)

	return func(ctx context.Context, a *app, args []string) error {
		if bundlePath == "" {
			return errors.New("--bundle is required")
		}
		if modeName == "" {
			modeName = a.cfg.Crypto.Mode
		}
		mode, err := crypto.ParseMode(modeName)
		if err != nil {
			return err
		}

		data, err := a.store.Read(ctx, args[0])
		if err != nil {
			return err
		}

		var key *crypto.Keypair
		if keyPath != "" {
			b, err := bundles.read(ctx, a, keyPath)
			if err != nil {
				return fmt.Errorf("failed to load key %s: %w", keyPath, err)
			}
			key = b.Key
		} else {
			printInfo(a.stderr, "Searching for a keypair...")
			if key, err = a.pipeline.GenerateKeys(ctx, size); err != nil {
				return err
			}
		}

		var out bytes.Buffer
		bundle, err := a.pipeline.Encrypt(ctx, bytes.NewReader(data), &out, key, mode, args[0])
		if err != nil {
			return err
		}
		if err := bundles.write(ctx, a, bundlePath, bundle); err != nil {
			return err
		}
		if err := a.store.Write(ctx, args[1], out.Bytes(), imagePerm); err != nil {
			return err
		}
		printSuccess(a.stderr, "Encrypted %d pixel bytes with %s to %s", bundle.OriginalLength, mode, args[1])
		return nil
	}
}

func decryptCommand(fs *pflag.FlagSet) func(context.Context, *app, []string) error {
	var (
		bundlePath string
		bundles    bundleFlags
	)
	fs.StringVarP(&bundlePath, "bundle", "b", "", "bundle written by encrypt (required)")
	bundles.register(fs)

	return func(ctx context.Context, a *app, args []string) error {
		if bundlePath == "" {
			return errors.New("--bundle is required")
		}
		bundle, err := bundles.read(ctx, a, bundlePath)
		if err != nil {
			return err
		}

		data, err := a.store.Read(ctx, args[0])
		if err != nil {
			return err
		}

		var out bytes.Buffer
		if err := a.pipeline.Decrypt(ctx, bytes.NewReader(data), &out, bundle, args[0]); err != nil {
			return err
		}
		if err := a.store.Write(ctx, args[1], out.Bytes(), imagePerm); err != nil {
			return err
		}
		printSuccess(a.stderr, "Decrypted %s to %s", args[0], args[1])
		return nil
	}
}
