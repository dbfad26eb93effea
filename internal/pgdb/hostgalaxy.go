package pgdb

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// HostGalaxy is a candidate host galaxy row. Photometry and photo-z fields
// are nil when the survey did not measure them.
type HostGalaxy struct {
	ID                uuid.UUID
	ProcessingVersion int16
	ObjectID          *int64
	RA                *float64
	Dec               *float64
	PetroFluxR        *float32
	PetroFluxRErr     *float32
	StdColorUG        *float32
	StdColorGR        *float32
	StdColorRI        *float32
	StdColorIZ        *float32
	StdColorZY        *float32
	StdColorUGErr     *float32
	StdColorGRErr     *float32
	StdColorRIErr     *float32
	StdColorIZErr     *float32
	StdColorZYErr     *float32
	PZMean            *float32
	PZStd             *float32
	PZQuant025        *float32
	PZQuant250        *float32
	PZQuant500        *float32
	PZQuant750        *float32
	PZQuant975        *float32
	Flags             int64
}

var hostGalaxyCols = []string{"id", "processing_version", "objectid", "ra", "dec",
	"petroflux_r", "petroflux_r_err",
	"stdcolor_u_g", "stdcolor_g_r", "stdcolor_r_i", "stdcolor_i_z", "stdcolor_z_y",
	"stdcolor_u_g_err", "stdcolor_g_r_err", "stdcolor_r_i_err", "stdcolor_i_z_err",
	"stdcolor_z_y_err",
	"pzmean", "pzstd", "pzquant025", "pzquant250", "pzquant500", "pzquant750", "pzquant975",
	"flags"}

// InsertHostGalaxies bulk-copies host galaxy rows. Ids missing from the
// input are minted here.
func (db *DB) InsertHostGalaxies(ctx context.Context, galaxies []HostGalaxy) (int64, error) {
	if len(galaxies) == 0 {
		return 0, nil
	}
	n, err := db.Pool.CopyFrom(ctx, pgx.Identifier{"host_galaxy"}, hostGalaxyCols,
		pgx.CopyFromSlice(len(galaxies), func(i int) ([]any, error) {
			g := galaxies[i]
			if g.ID == uuid.Nil {
				g.ID = uuid.New()
			}
			return []any{g.ID, g.ProcessingVersion, g.ObjectID, g.RA, g.Dec,
				g.PetroFluxR, g.PetroFluxRErr,
				g.StdColorUG, g.StdColorGR, g.StdColorRI, g.StdColorIZ, g.StdColorZY,
				g.StdColorUGErr, g.StdColorGRErr, g.StdColorRIErr, g.StdColorIZErr,
				g.StdColorZYErr,
				g.PZMean, g.PZStd, g.PZQuant025, g.PZQuant250, g.PZQuant500,
				g.PZQuant750, g.PZQuant975,
				g.Flags}, nil
		}))
	if err != nil {
		return 0, fmt.Errorf("insert host galaxies: %w", err)
	}
	return n, nil
}

func (db *DB) GetHostGalaxy(ctx context.Context, id uuid.UUID) (HostGalaxy, error) {
	var g HostGalaxy
	err := db.Pool.QueryRow(ctx, `
		SELECT id, processing_version, objectid, ra, dec,
		       petroflux_r, petroflux_r_err,
		       stdcolor_u_g, stdcolor_g_r, stdcolor_r_i, stdcolor_i_z, stdcolor_z_y,
		       stdcolor_u_g_err, stdcolor_g_r_err, stdcolor_r_i_err, stdcolor_i_z_err,
		       stdcolor_z_y_err,
		       pzmean, pzstd, pzquant025, pzquant250, pzquant500, pzquant750, pzquant975,
		       flags
		FROM host_galaxy WHERE id=$1`, id).Scan(
		&g.ID, &g.ProcessingVersion, &g.ObjectID, &g.RA, &g.Dec,
		&g.PetroFluxR, &g.PetroFluxRErr,
		&g.StdColorUG, &g.StdColorGR, &g.StdColorRI, &g.StdColorIZ, &g.StdColorZY,
		&g.StdColorUGErr, &g.StdColorGRErr, &g.StdColorRIErr, &g.StdColorIZErr,
		&g.StdColorZYErr,
		&g.PZMean, &g.PZStd, &g.PZQuant025, &g.PZQuant250, &g.PZQuant500,
		&g.PZQuant750, &g.PZQuant975,
		&g.Flags)
	if errors.Is(err, pgx.ErrNoRows) {
		return HostGalaxy{}, fmt.Errorf("%w: host galaxy %s", ErrNotFound, id)
	}
	if err != nil {
		return HostGalaxy{}, fmt.Errorf("query host galaxy: %w", err)
	}
	return g, nil
}
