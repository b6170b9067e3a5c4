package handler

import (
	"errors"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/paperlog/internal/db"
	"github.com/paperlog/internal/ratelimit"
	"go.uber.org/zap"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login 校验管理员账号并建立会话。
func (a *API) Login(c *gin.Context) {
	ip := ClientIP(c)
	if !a.allow(c, ratelimit.IPKey(ip, "login"), ratelimit.Strict, "请求过于频繁") {
		return
	}

	var payload loginRequest
	if !bindJSON(c, &payload, "请输入用户名和密码") {
		return
	}

	user, err := db.Authenticate(a.db, payload.Username, payload.Password)
	if err != nil {
		if errors.Is(err, db.ErrInvalidCredentials) {
			requestLogger(c).Warn("login_failed", zap.String("ip", ip))
			respondError(c, http.StatusUnauthorized, "用户名或密码错误")
			return
		}
		requestLogger(c).Error("login_lookup_failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "登录失败")
		return
	}

	session := sessions.Default(c)
	session.Set(sessionUserIDKey, user.ID)
	session.Set(sessionUsernameKey, user.Username)
	if err := session.Save(); err != nil {
		requestLogger(c).Error("session_save_failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "会话保存失败")
		return
	}

	requestLogger(c).Info("login_ok", zap.String("username", user.Username))
	respondOK(c, gin.H{"username": user.Username})
}

// Logout 清除管理员会话。
func (a *API) Logout(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	session.Options(sessions.Options{Path: "/", MaxAge: -1})
	if err := session.Save(); err != nil {
		respondError(c, http.StatusInternalServerError, "会话保存失败")
		return
	}
	respondOK(c, gin.H{"loggedOut": true})
}
