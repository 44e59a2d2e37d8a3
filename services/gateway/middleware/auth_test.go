// Copyright (C) 2025 Polychat Developers (dev@polychat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polychat-dev/polychat/pkg/extensions"
)

// tokenAuthProvider accepts exactly one token.
type tokenAuthProvider struct {
	accept    string
	lastToken string
}

func (p *tokenAuthProvider) Validate(_ context.Context, token string) (*extensions.AuthInfo, error) {
	p.lastToken = token
	if token != p.accept {
		return nil, extensions.ErrUnauthorized
	}
	return &extensions.AuthInfo{UserID: "tester", Roles: []string{"user"}}, nil
}

func newAuthRouter(provider extensions.AuthProvider) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(AuthMiddleware(provider))
	router.GET("/whoami", func(c *gin.Context) {
		info := GetAuthInfo(c)
		if info == nil {
			c.JSON(http.StatusOK, gin.H{"user": ""})
			return
		}
		c.JSON(http.StatusOK, gin.H{"user": info.UserID})
	})
	return router
}

func TestAuthMiddleware_NopProviderAcceptsAnonymous(t *testing.T) {
	router := newAuthRouter(&extensions.NopAuthProvider{})

	req, _ := http.NewRequest("GET", "/whoami", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "local-user")
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	provider := &tokenAuthProvider{accept: "secret-token"}
	router := newAuthRouter(provider)

	req, _ := http.NewRequest("GET", "/whoami", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "tester")
	assert.Equal(t, "secret-token", provider.lastToken)
}

func TestAuthMiddleware_RejectsBadToken(t *testing.T) {
	router := newAuthRouter(&tokenAuthProvider{accept: "secret-token"})

	req, _ := http.NewRequest("GET", "/whoami", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "unauthorized")
}

func TestAuthMiddleware_RejectsMissingToken(t *testing.T) {
	router := newAuthRouter(&tokenAuthProvider{accept: "secret-token"})

	req, _ := http.NewRequest("GET", "/whoami", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"missing header", "", ""},
		{"standard bearer", "Bearer abc123", "abc123"},
		{"case insensitive scheme", "bearer abc123", "abc123"},
		{"trims whitespace", "Bearer   abc123  ", "abc123"},
		{"wrong scheme", "Basic abc123", ""},
		{"no token", "Bearer", ""},
	}

	gin.SetMode(gin.TestMode)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request, _ = http.NewRequest("GET", "/", nil)
			if tt.header != "" {
				c.Request.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, extractBearerToken(c))
		})
	}
}

func TestGetAuthInfo_Unset(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.Nil(t, GetAuthInfo(c))
}
