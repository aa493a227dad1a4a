package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// loadDEK loads the session store data encryption key.
//
// With a KMS key ARN configured the key file holds the KMS-wrapped DEK:
// the plaintext key only ever lives in memory. Without KMS the key file
// holds the raw 32-byte DEK. Either way a missing file means first boot,
// so a fresh key is generated and persisted.
func loadDEK(ctx context.Context, cfg StoreConfig) ([]byte, error) {
	if cfg.KMSKeyARN != "" {
		return loadWrappedDEK(ctx, cfg)
	}
	return loadRawDEK(cfg.KeyFile)
}

func loadWrappedDEK(ctx context.Context, cfg StoreConfig) ([]byte, error) {
	kmsClient, err := NewKMSClient(ctx, cfg.KMSKeyARN, cfg.KMSRegion)
	if err != nil {
		return nil, err
	}

	wrapped, err := os.ReadFile(cfg.KeyFile)
	if os.IsNotExist(err) {
		log.Info().Str("key_file", cfg.KeyFile).Msg("No wrapped DEK found, generating new data key")
		plaintext, ciphertext, err := kmsClient.GenerateDataKey(ctx)
		if err != nil {
			return nil, err
		}
		if err := writeKeyFile(cfg.KeyFile, ciphertext); err != nil {
			return nil, err
		}
		return plaintext, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read wrapped DEK: %w", err)
	}

	plaintext, err := kmsClient.Decrypt(ctx, wrapped)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap DEK: %w", err)
	}
	return plaintext, nil
}

func loadRawDEK(path string) ([]byte, error) {
	dek, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		log.Info().Str("key_file", path).Msg("No DEK found, generating new key")
		dek = make([]byte, 32)
		if _, err := rand.Read(dek); err != nil {
			return nil, fmt.Errorf("failed to generate DEK: %w", err)
		}
		if err := writeKeyFile(path, dek); err != nil {
			return nil, err
		}
		return dek, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read DEK: %w", err)
	}
	if len(dek) != 32 {
		return nil, fmt.Errorf("DEK file %s holds %d bytes, expected 32", path, len(dek))
	}
	return dek, nil
}

func writeKeyFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}
