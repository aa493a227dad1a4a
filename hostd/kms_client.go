package main

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/rs/zerolog/log"
)

// KMSClient wraps the session store DEK with a KMS key.
// Envelope encryption: session records are encrypted with the DEK,
// only the wrapped DEK touches disk.
type KMSClient struct {
	client *kms.Client
	keyARN string
}

// NewKMSClient creates a new KMS client
func NewKMSClient(ctx context.Context, keyARN, region string) (*KMSClient, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &KMSClient{
		client: kms.NewFromConfig(awsCfg),
		keyARN: keyARN,
	}, nil
}

// Decrypt unwraps a KMS-encrypted data key
func (k *KMSClient) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	result, err := k.client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:          &k.keyARN,
		CiphertextBlob: ciphertext,
	})
	if err != nil {
		return nil, fmt.Errorf("KMS decrypt failed: %w", err)
	}

	log.Debug().
		Int("ciphertext_len", len(ciphertext)).
		Msg("KMS decrypt successful")

	return result.Plaintext, nil
}

// GenerateDataKey generates a new data encryption key (DEK).
// Returns both plaintext and encrypted DEK.
func (k *KMSClient) GenerateDataKey(ctx context.Context) (plaintext, ciphertext []byte, err error) {
	result, err := k.client.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   &k.keyARN,
		KeySpec: types.DataKeySpecAes256,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("KMS generate data key failed: %w", err)
	}

	log.Debug().
		Int("plaintext_len", len(result.Plaintext)).
		Int("ciphertext_len", len(result.CiphertextBlob)).
		Msg("KMS generate data key successful")

	return result.Plaintext, result.CiphertextBlob, nil
}
