package authkey

import (
	"context"
	"crypto/x509"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/lmlabs-api/internal/xerrors"
)

// maxPEMSize caps how much of an S3 object is read as a key.
const maxPEMSize = 64 << 10

// The subsets of the AWS APIs each source needs, so tests can fake them.
type ssmParamGetter interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type s3ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type kmsKeyFetcher interface {
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
}

// SSMSecret reads an HMAC secret from an SSM SecureString parameter.
type SSMSecret struct {
	client ssmParamGetter
	name   string
	cache  keyCache
}

func NewSSMSecret(client *ssm.Client, name string) *SSMSecret {
	return &SSMSecret{client: client, name: name}
}

func (s *SSMSecret) Key(ctx context.Context) (any, error) {
	return s.cache.get(ctx, s.load)
}

func (s *SSMSecret) load(ctx context.Context) (any, error) {
	if s.client == nil {
		return nil, xerrors.New("ssm client is not configured")
	}
	out, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(s.name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get SSM parameter %s", s.name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return nil, xerrors.Newf("SSM parameter %s has no value", s.name)
	}

	secret := strings.TrimSpace(*out.Parameter.Value)
	if secret == "" {
		return nil, xerrors.Newf("SSM parameter %s is empty", s.name)
	}
	return []byte(secret), nil
}

// S3PEM reads a PEM encoded public key from an S3 object.
type S3PEM struct {
	client s3ObjectGetter
	bucket string
	key    string
	cache  keyCache
}

func NewS3PEM(client *s3.Client, bucket, key string) *S3PEM {
	return &S3PEM{client: client, bucket: bucket, key: key}
}

func (s *S3PEM) Key(ctx context.Context) (any, error) {
	return s.cache.get(ctx, s.load)
}

func (s *S3PEM) load(ctx context.Context) (any, error) {
	if s.client == nil {
		return nil, xerrors.New("s3 client is not configured")
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get S3 object s3://%s/%s", s.bucket, s.key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, maxPEMSize))
	if err != nil {
		return nil, xerrors.Wrapf(err, "read S3 object s3://%s/%s", s.bucket, s.key)
	}
	pub, err := ParsePublicKeyPEM(data)
	if err != nil {
		return nil, xerrors.Wrapf(err, "s3://%s/%s", s.bucket, s.key)
	}
	return pub, nil
}

// KMSPublicKey verifies tokens signed by an asymmetric KMS key. Only the
// public half is fetched; verification happens locally.
type KMSPublicKey struct {
	client kmsKeyFetcher
	keyID  string
	cache  keyCache
}

func NewKMSPublicKey(client *kms.Client, keyID string) *KMSPublicKey {
	return &KMSPublicKey{client: client, keyID: keyID}
}

func (k *KMSPublicKey) Key(ctx context.Context) (any, error) {
	return k.cache.get(ctx, k.load)
}

func (k *KMSPublicKey) load(ctx context.Context) (any, error) {
	if k.client == nil {
		return nil, xerrors.New("kms client is not configured")
	}

	out, err := k.client.GetPublicKey(ctx, &kms.GetPublicKeyInput{
		KeyId: aws.String(k.keyID),
	})
	if err != nil {
		return nil, xerrors.Wrap(err, "kms get public key")
	}

	// a key that cannot sign cannot have signed our tokens
	if out.KeyUsage != kmstypes.KeyUsageTypeSignVerify {
		return nil, xerrors.Newf("kms key %s has KeyUsage=%s, expected SIGN_VERIFY", k.keyID, out.KeyUsage)
	}

	pub, err := x509.ParsePKIXPublicKey(out.PublicKey)
	if err != nil {
		return nil, xerrors.Wrap(err, "parse kms public key DER")
	}
	return pub, nil
}

// Source kinds accepted by New.
const (
	KindNone   = "none"
	KindStatic = "static"
	KindSSM    = "ssm"
	KindS3     = "s3"
	KindKMS    = "kms"
)

type Options struct {
	Kind string

	// static
	Secret string

	// ssm
	SSMParam string

	// s3
	S3Bucket string
	S3Key    string

	// kms
	KMSKeyID string

	// AWS config (uses default if nil)
	AWSConfig *aws.Config
}

// New builds the Source selected by opts.Kind. KindNone returns a nil Source,
// meaning token verification is off.
func New(ctx context.Context, opts Options) (Source, error) {
	switch opts.Kind {
	case "", KindNone:
		return nil, nil
	case KindStatic:
		if opts.Secret == "" {
			return nil, xerrors.New("static key source requires a secret")
		}
		return NewStatic([]byte(opts.Secret)), nil
	case KindSSM, KindS3, KindKMS:
	default:
		return nil, xerrors.Newf("unknown key source %q (valid sources are none|static|ssm|s3|kms)", opts.Kind)
	}

	awsCfg, err := loadAWSConfig(ctx, opts.AWSConfig)
	if err != nil {
		return nil, err
	}

	switch opts.Kind {
	case KindSSM:
		if opts.SSMParam == "" {
			return nil, xerrors.New("ssm key source requires a parameter name")
		}
		return NewSSMSecret(ssm.NewFromConfig(awsCfg), opts.SSMParam), nil
	case KindS3:
		if opts.S3Bucket == "" || opts.S3Key == "" {
			return nil, xerrors.New("s3 key source requires a bucket and key")
		}
		return NewS3PEM(s3.NewFromConfig(awsCfg), opts.S3Bucket, opts.S3Key), nil
	default:
		if opts.KMSKeyID == "" {
			return nil, xerrors.New("kms key source requires a key id")
		}
		return NewKMSPublicKey(kms.NewFromConfig(awsCfg), opts.KMSKeyID), nil
	}
}

func loadAWSConfig(ctx context.Context, cfg *aws.Config) (aws.Config, error) {
	if cfg != nil {
		return *cfg, nil
	}
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Config{}, xerrors.Wrap(err, "load AWS config")
	}
	return awsCfg, nil
}
