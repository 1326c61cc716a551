//go:build integration_redis
// +build integration_redis

package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRedis(t *testing.T) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("не удалось запустить redis: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("хост контейнера: %v", err)
	}
	port, err := c.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Fatalf("порт контейнера: %v", err)
	}
	return fmt.Sprintf("%s:%s", host, port.Port())
}

func TestRedisCache_Integration(t *testing.T) {
	ctx := context.Background()
	client, err := Connect(ctx, startRedis(t))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()
	c := NewRedis(client, "test:")

	if _, ok, err := c.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("отсутствующий ключ: ok=%v err=%v", ok, err)
	}
	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	value, ok, err := c.Get(ctx, "k")
	if err != nil || !ok || string(value) != "v" {
		t.Fatalf("get: %q ok=%v err=%v", value, ok, err)
	}
}
