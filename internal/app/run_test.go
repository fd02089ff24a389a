package app

import (
	"bytes"
	"strings"
	"testing"
)

// TestRun_ServeCommand_OpensDBConnection はserveコマンドがDB接続を試みることを検証する。
// 到達不能なDBを指定しているため、接続エラーで終了する。
func TestRun_ServeCommand_OpensDBConnection(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	err := Run(&buf, []string{"serve"})
	if err == nil || !strings.Contains(err.Error(), "database") {
		t.Fatalf("err = %v, want database connection error", err)
	}
}

// TestRun_WorkerCommand_OpensDBConnection はworkerコマンドがDB接続を試みることを検証する。
func TestRun_WorkerCommand_OpensDBConnection(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	err := Run(&buf, []string{"worker"})
	if err == nil || !strings.Contains(err.Error(), "database") {
		t.Fatalf("err = %v, want database connection error", err)
	}
}

// TestRun_DefaultCommand_OpensDBConnection はデフォルトコマンド（serve）がDB接続を試みることを検証する。
func TestRun_DefaultCommand_OpensDBConnection(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	err := Run(&buf, []string{})
	if err == nil || !strings.Contains(err.Error(), "database") {
		t.Fatalf("err = %v, want database connection error", err)
	}
	if !strings.Contains(buf.String(), `"command":"careerlens"`) {
		t.Errorf("起動ログにコマンド名が含まれること: %s", buf.String())
	}
}

// TestRun_ServeRequiresAdminSecret はserveが管理者署名鍵なしでは起動しないことを検証する。
func TestRun_ServeRequiresAdminSecret(t *testing.T) {
	setTestEnv(t)
	t.Setenv("ADMIN_JWT_SECRET", "")

	var buf bytes.Buffer
	err := Run(&buf, []string{"serve"})
	if err == nil || !strings.Contains(err.Error(), "ADMIN_JWT_SECRET") {
		t.Fatalf("err = %v, want ADMIN_JWT_SECRET error", err)
	}
}

// TestRun_WorkerDoesNotNeedAdminSecret はworkerが管理者署名鍵を要求しないことを検証する。
func TestRun_WorkerDoesNotNeedAdminSecret(t *testing.T) {
	setTestEnv(t)
	t.Setenv("ADMIN_JWT_SECRET", "")

	var buf bytes.Buffer
	err := Run(&buf, []string{"worker"})
	if err != nil && strings.Contains(err.Error(), "ADMIN_JWT_SECRET") {
		t.Fatalf("workerは署名鍵なしで起動できること: %v", err)
	}
}

func TestRun_WithMissingEnv_ReturnsError(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	var buf bytes.Buffer
	err := Run(&buf, []string{"serve"})
	if err == nil {
		t.Fatal("Run with missing env should return error")
	}
}

func TestRun_SeedRejectsInvalidCatalog(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	err := Run(&buf, []string{"seed", "--file", "testdata/invalid_catalog.yaml"})
	if err == nil || !strings.Contains(err.Error(), "job_zone") {
		t.Fatalf("err = %v, want catalog validation error", err)
	}
}
