package swarm

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	// TblParticles is the name of the sql table holding each particle's
	// evaluated position and loss for every iteration.
	TblParticles = "swarmparticles"
	// TblParticlesBest is the name of the sql table holding each particle's
	// personal best at every iteration.
	TblParticlesBest = "swarmparticlesbest"
	// TblBest is the name of the sql table holding the swarm-wide best at
	// every iteration.
	TblBest = "swarmbest"
)

// history appends the iteration log to sqlite.  Runs are keyed by a fresh
// uuid so several runs can share one database file.
type history struct {
	db   *sql.DB
	run  string
	dims int
}

func newHistory(db *sql.DB, dims int) (*history, error) {
	h := &history{db: db, run: uuid.NewString(), dims: dims}

	stmts := []string{
		"CREATE TABLE IF NOT EXISTS " + TblParticles + " (run TEXT, particle INTEGER, iter INTEGER, val REAL" + h.xdbsql("define") + ");",
		"CREATE TABLE IF NOT EXISTS " + TblParticlesBest + " (run TEXT, particle INTEGER, iter INTEGER, best REAL" + h.xdbsql("define") + ");",
		"CREATE TABLE IF NOT EXISTS " + TblBest + " (run TEXT, iter INTEGER, val REAL" + h.xdbsql("define") + ");",
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return nil, errors.Wrap(err, "swarm: creating history tables")
		}
	}
	return h, nil
}

func (h *history) xdbsql(op string) string {
	s := ""
	for i := 0; i < h.dims; i++ {
		switch op {
		case "?":
			s += ",?"
		case "define":
			s += fmt.Sprintf(",x%v REAL", i)
		case "x":
			s += fmt.Sprintf(",x%v", i)
		default:
			panic("invalid db op " + op)
		}
	}
	return s
}

func (h *history) record(iter int, losses []float64, positions [][]float64, bestVals []float64, bestPoss [][]float64, gval float64, gpos []float64) error {
	tx, err := h.db.Begin()
	if err != nil {
		return errors.Wrap(err, "swarm: history transaction")
	}
	defer tx.Rollback()

	s0 := "INSERT INTO " + TblParticles + " (run,particle,iter,val" + h.xdbsql("x") + ") VALUES (?,?,?,?" + h.xdbsql("?") + ");"
	s1 := "INSERT INTO " + TblParticlesBest + " (run,particle,iter,best" + h.xdbsql("x") + ") VALUES (?,?,?,?" + h.xdbsql("?") + ");"
	for g := range losses {
		args := append([]interface{}{h.run, g, iter, losses[g]}, pos2iface(positions[g])...)
		if _, err := tx.Exec(s0, args...); err != nil {
			return errors.Wrap(err, "swarm: recording particles")
		}
		args = append([]interface{}{h.run, g, iter, bestVals[g]}, pos2iface(bestPoss[g])...)
		if _, err := tx.Exec(s1, args...); err != nil {
			return errors.Wrap(err, "swarm: recording particle bests")
		}
	}

	s2 := "INSERT INTO " + TblBest + " (run,iter,val" + h.xdbsql("x") + ") VALUES (?,?,?" + h.xdbsql("?") + ");"
	args := append([]interface{}{h.run, iter, gval}, pos2iface(gpos)...)
	if _, err := tx.Exec(s2, args...); err != nil {
		return errors.Wrap(err, "swarm: recording swarm best")
	}
	return tx.Commit()
}

func pos2iface(pos []float64) []interface{} {
	iface := make([]interface{}, 0, len(pos))
	for _, v := range pos {
		iface = append(iface, v)
	}
	return iface
}
