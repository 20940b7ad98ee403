package sqlserver

import (
	"errors"
	"fmt"
	"testing"

	mssql "github.com/microsoft/go-mssqldb"
	"github.com/stretchr/testify/assert"

	"github.com/joao-brasil/poc-token-pooling/internal/errs"
	"github.com/joao-brasil/poc-token-pooling/pkg/endpoint"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		credential bool
	}{
		{name: "login failed", err: mssql.Error{Number: 18456, Message: "Login failed for user"}, credential: true},
		{name: "wrapped login failed", err: fmt.Errorf("ping: %w", mssql.Error{Number: 18456}), credential: true},
		{name: "token consumed", err: fmt.Errorf("redial: %w", errTokenConsumed), credential: true},
		{name: "deadlock", err: mssql.Error{Number: 1205}},
		{name: "network", err: errors.New("i/o timeout")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify("app", tt.err)
			assert.Equal(t, tt.credential, errs.IsCredential(got))
		})
	}
}

func TestNewUsesSQLServerDSN(t *testing.T) {
	e := endpoint.Endpoint{Host: "db.example.com", Port: 1433, Database: "orders", User: "app"}
	c := New(e)
	assert.Equal(t, e.SQLServerDSN(), c.dsn)
	assert.Equal(t, "app", c.user)
}
