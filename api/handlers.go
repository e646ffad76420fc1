package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rustyeddy/strategylab/backtest"
	"github.com/rustyeddy/strategylab/market"
	"github.com/rustyeddy/strategylab/session"
)

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"sessions":    len(s.sessions.List()),
		"subscribers": s.hub.Subscribers(),
	})
}

func (s *Server) listAccounts(c *gin.Context) {
	accounts, err := s.broker.ListAccounts(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, accounts)
}

func (s *Server) getAccount(c *gin.Context) {
	acct, err := s.broker.GetAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

func (s *Server) listStrategies(c *gin.Context) {
	c.JSON(http.StatusOK, s.sessions.Strategies().List())
}

func (s *Server) listInstruments(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"instruments": market.InstrumentList()})
}

func (s *Server) listGranularities(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"granularities": market.Granularities()})
}

func (s *Server) createSession(c *gin.Context) {
	var cfg session.Config
	if err := bind(c, &cfg); err != nil {
		s.fail(c, err)
		return
	}
	snap, err := s.sessions.Create(c.Request.Context(), cfg)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, snap)
}

func (s *Server) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, s.sessions.List())
}

func (s *Server) getSession(c *gin.Context) {
	snap, err := s.sessions.Get(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) updateSession(c *gin.Context) {
	var u session.Update
	if err := bind(c, &u); err != nil {
		s.fail(c, err)
		return
	}
	snap, err := s.sessions.Update(c.Request.Context(), c.Param("id"), u)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) deleteSession(c *gin.Context) {
	if err := s.sessions.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// lifecycle adapts a registry transition to a handler answering with the
// updated snapshot.
func (s *Server) lifecycle(fn func(context.Context, string) (session.Snapshot, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap, err := fn(c.Request.Context(), c.Param("id"))
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, snap)
	}
}

func (s *Server) getPositions(c *gin.Context) {
	positions, err := s.sessions.Positions(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, positions)
}

func (s *Server) getTrades(c *gin.Context) {
	trades, err := s.sessions.Trades(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, trades)
}

func (s *Server) getMetrics(c *gin.Context) {
	report, err := s.sessions.Metrics(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) closePosition(c *gin.Context) {
	snap, err := s.sessions.ClosePosition(c.Request.Context(), c.Param("id"), c.Param("instrument"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) runBacktest(c *gin.Context) {
	var req backtest.Request
	if err := bind(c, &req); err != nil {
		s.fail(c, err)
		return
	}
	report, err := s.backtests.Run(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// subscribe upgrades to a websocket. Without an id the subscriber gets the
// full session list; with one it follows that session only.
func (s *Server) subscribe(c *gin.Context) {
	if err := s.hub.ServeWS(c.Writer, c.Request, c.Param("id")); err != nil {
		// the upgrader has already answered the client
		s.log.Debug("websocket upgrade failed", "err", err)
		return
	}
}
