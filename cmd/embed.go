package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/Tutortoise/face-embedding-service/client"
	"github.com/Tutortoise/face-embedding-service/faceembed"
	"github.com/Tutortoise/face-embedding-service/models"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var embedURL string

var embedCmd = &cobra.Command{
	Use:   "embed <image>",
	Short: "Print the embedding of the first face in an image",
	Long: `Runs the same pipeline as POST /face-embedding and prints the JSON result.
With --url the image is sent to a running server instead of loading the models locally.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEmbed(cmd.Context(), args[0], cmd.OutOrStdout())
	},
}

func init() {
	embedCmd.Flags().StringVar(&embedURL, "url", "", "base URL of a running server, e.g. http://localhost:8000")
	rootCmd.AddCommand(embedCmd)
}

func runEmbed(ctx context.Context, path string, out io.Writer) error {
	var (
		res *faceembed.Result
		err error
	)
	if embedURL != "" {
		res, err = embedRemote(ctx, path)
	} else {
		res, err = embedLocal(ctx, path)
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func embedRemote(ctx context.Context, path string) (*faceembed.Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return client.New(embedURL).FaceEmbedding(ctx, f, filepath.Base(path))
}

func embedLocal(ctx context.Context, path string) (*faceembed.Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	analysis, closeAnalysis, err := openAnalysis(cfg, logger)
	if err != nil {
		return nil, err
	}
	defer closeAnalysis()

	svc := faceembed.NewService(analysis, logger.Named("faceembed"))
	res, err := svc.Handle(ctx, data, &models.ProcessingTimings{RequestID: uuid.NewString()})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return res, nil
}
