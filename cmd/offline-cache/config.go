package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/cache"
	responsetransformer "github.com/always-cache/offline-cache/pkg/response-transformer"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Origin          string                    `yaml:"origin" env:"OFFLINE_CACHE_ORIGIN"`
	Addr            string                    `yaml:"addr" env:"OFFLINE_CACHE_ADDR"`
	Host            string                    `yaml:"host" env:"OFFLINE_CACHE_HOST"`
	Port            int                       `yaml:"port" env:"OFFLINE_CACHE_PORT"`
	Bucket          string                    `yaml:"bucket" env:"OFFLINE_CACHE_BUCKET"`
	Resources       []string                  `yaml:"resources" env:"OFFLINE_CACHE_RESOURCES" envSeparator:","`
	MatchAllBuckets bool                      `yaml:"matchAllBuckets" env:"OFFLINE_CACHE_MATCH_ALL_BUCKETS"`
	Provider        string                    `yaml:"provider" env:"OFFLINE_CACHE_PROVIDER"`
	DB              string                    `yaml:"db" env:"OFFLINE_CACHE_DB"`
	Redis           RedisConfig               `yaml:"redis" envPrefix:"OFFLINE_CACHE_REDIS_"`
	S3              S3Config                  `yaml:"s3" envPrefix:"OFFLINE_CACHE_S3_"`
	Rules           responsetransformer.Rules `yaml:"rules"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	Prefix   string `yaml:"prefix" env:"PREFIX"`
}

type S3Config struct {
	Endpoint  string `yaml:"endpoint" env:"ENDPOINT"`
	Region    string `yaml:"region" env:"REGION"`
	Bucket    string `yaml:"bucket" env:"BUCKET"`
	Prefix    string `yaml:"prefix" env:"PREFIX"`
	AccessKey string `yaml:"accessKey" env:"ACCESS_KEY"`
	SecretKey string `yaml:"secretKey" env:"SECRET_KEY"`
}

func defaultConfig() Config {
	return Config{
		Port:     8080,
		Provider: "sqlite",
		DB:       "offline-cache.db",
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "offline-cache:",
		},
		S3: S3Config{
			Region: "us-east-1",
			Prefix: "offline-cache/",
		},
	}
}

// loadConfig layers the config file (if any) and the environment over the defaults.
// The process environment is used if environ is nil.
func loadConfig(filename string, environ map[string]string) (Config, error) {
	config := defaultConfig()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, fmt.Errorf("parse %s: %w", filepath.Base(filename), err)
		}
	}
	if err := env.ParseWithOptions(&config, env.Options{Environment: environ}); err != nil {
		return config, fmt.Errorf("parse env: %w", err)
	}
	return config, nil
}

// applyFlags overrides the config with the flags set on the command line.
func (c *Config) applyFlags(fs *flag.FlagSet) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "origin":
			c.Origin = originFlag
		case "addr":
			c.Addr = addrFlag
		case "host":
			c.Host = hostFlag
		case "port":
			c.Port = portFlag
		case "bucket":
			c.Bucket = bucketFlag
		case "provider":
			c.Provider = providerFlag
		case "db":
			c.DB = dbFilenameFlag
		}
	})
}

func (c Config) originURL() (url.URL, error) {
	var raw string
	if c.Origin != "" {
		raw = c.Origin
	} else if c.Addr != "" {
		raw = "https://" + c.Addr
	} else {
		return url.URL{}, errors.New("please specify origin")
	}
	originUrl, err := url.Parse(raw)
	if err != nil {
		return url.URL{}, fmt.Errorf("could not parse origin: %w", err)
	}
	return *originUrl, nil
}

func (c Config) managerConfig(storage cache.Provider) (offlinecache.Config, error) {
	originUrl, err := c.originURL()
	if err != nil {
		return offlinecache.Config{}, err
	}
	return offlinecache.Config{
		BucketName:      c.Bucket,
		Resources:       c.Resources,
		Storage:         storage,
		OriginURL:       originUrl,
		OriginHost:      c.Host,
		MatchAllBuckets: c.MatchAllBuckets,
		Rules:           c.Rules,
	}, nil
}

// newStorage creates the configured storage provider.
func newStorage(ctx context.Context, c Config) (cache.Provider, error) {
	switch c.Provider {
	case "sqlite", "":
		// "memory" as file name is kept for compatibility with older setups
		dbFilename := c.DB
		if dbFilename == "memory" {
			dbFilename = ""
		}
		return cache.NewSQLiteCache(dbFilename)
	case "memory":
		return cache.NewMemCache(), nil
	case "redis":
		client := cache.NewRedisClient(c.Redis.Addr, c.Redis.Password, c.Redis.DB)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("could not connect to redis: %w", err)
		}
		return cache.NewRedisCache(client, c.Redis.Prefix), nil
	case "s3":
		if c.S3.Bucket == "" {
			return nil, errors.New("s3 bucket is required")
		}
		opts := []func(*awsconfig.LoadOptions) error{
			awsconfig.WithRegion(c.S3.Region),
		}
		if c.S3.AccessKey != "" {
			opts = append(opts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(c.S3.AccessKey, c.S3.SecretKey, "")))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, err
		}
		s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if c.S3.Endpoint != "" {
				o.UsePathStyle = true
				o.BaseEndpoint = aws.String(c.S3.Endpoint)
			}
		})
		return cache.NewS3Cache(c.S3.Bucket, c.S3.Prefix, s3Client), nil
	}
	return nil, fmt.Errorf("unknown storage provider %q", c.Provider)
}
