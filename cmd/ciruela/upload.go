package main

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/ssh"

	"github.com/tailhook/ciruela/chash"
	"github.com/tailhook/ciruela/config"
	"github.com/tailhook/ciruela/disk"
	"github.com/tailhook/ciruela/index"
	"github.com/tailhook/ciruela/metadata"
	"github.com/tailhook/ciruela/proto"
	"github.com/tailhook/ciruela/sigkeys"
	"github.com/tailhook/ciruela/vpath"
)

var (
	uploadConfigFile string
	uploadIdentity   string
	uploadReplace    bool
)

var uploadCmd = &cobra.Command{
	Use:   "upload <vpath> <directory>",
	Short: "sign and admit a local directory as the named virtual path",
	Args:  cobra.ExactArgs(2),
	RunE:  runUpload,
}

func init() {
	uploadCmd.Flags().StringVar(&uploadConfigFile, "config", "", "daemon config file (same one ciruelad reads)")
	uploadCmd.Flags().StringVar(&uploadIdentity, "identity", "", "SSH private key to sign the upload with (required)")
	uploadCmd.Flags().BoolVar(&uploadReplace, "replace", false, "allow superseding a different already-admitted image")
}

func loadUploadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if uploadConfigFile == "" {
		return cfg, nil
	}
	v := viper.New()
	v.SetConfigFile(uploadConfigFile)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", uploadConfigFile, err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", uploadConfigFile, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func runUpload(cmd *cobra.Command, args []string) error {
	vp, err := vpath.Parse(args[0])
	if err != nil {
		return fmt.Errorf("parse virtual path: %w", err)
	}
	sourceDir := args[1]

	if uploadIdentity == "" {
		return fmt.Errorf("--identity is required")
	}
	signer, err := loadSigner(uploadIdentity)
	if err != nil {
		return err
	}

	manifest, manifestData, imageID, err := index.Build(sourceDir, index.DefaultBlockSize)
	if err != nil {
		return fmt.Errorf("build manifest: %w", err)
	}

	timestamp := time.Now().Unix()
	sigData := proto.SigData(vp, imageID, timestamp)
	sshSig, err := signer.Sign(rand.Reader, sigData)
	if err != nil {
		return fmt.Errorf("sign upload: %w", err)
	}
	signature := sigkeys.Signature(sshSig.Blob)

	cfg, err := loadUploadConfig()
	if err != nil {
		return err
	}
	meta := metadata.New(cfg)

	var upload proto.Upload
	if uploadReplace {
		upload, err = meta.HandleReplaceDir(proto.ReplaceDir{
			Path:       vp,
			Image:      imageID,
			Timestamp:  timestamp,
			Signatures: []sigkeys.Signature{signature},
		})
	} else {
		upload, err = meta.HandleAppendDir(proto.AppendDir{
			Path:       vp,
			Image:      imageID,
			Timestamp:  timestamp,
			Signatures: []sigkeys.Signature{signature},
		})
	}
	if err != nil {
		return fmt.Errorf("admit upload: %w", err)
	}
	if !upload.Accepted {
		return fmt.Errorf("upload rejected: %s", upload.Reason)
	}
	fmt.Printf("admitted %s as %s (%s), %s across %d files\n",
		vp, imageID, upload.New, units.HumanSize(float64(totalSize(manifest))), len(manifest.Entries))

	dirCfg, ok := cfg.DirectoryFor(vp.Key())
	if !ok || dirCfg.BaseDir == "" {
		fmt.Println("no base_dir configured for this key locally; admission recorded but nothing committed to disk")
		return nil
	}

	d, err := disk.New(cfg.PoolSize, meta.Indexes())
	if err != nil {
		return fmt.Errorf("start disk pipeline: %w", err)
	}
	defer d.Close()

	img, err := d.StartImage(dirCfg.BaseDir, vp, manifestData, chash.Hash(imageID))
	if err != nil {
		if abortErr := meta.AbortDir(vp); abortErr != nil {
			return fmt.Errorf("start image: %w (abort also failed: %v)", err, abortErr)
		}
		return fmt.Errorf("start image: %w", err)
	}
	if err := copyBlocks(d, img, sourceDir, manifest); err != nil {
		_ = d.AbortImage(img)
		_ = meta.AbortDir(vp)
		return fmt.Errorf("write blocks: %w", err)
	}
	if err := d.CommitImage(img); err != nil {
		return fmt.Errorf("commit image: %w", err)
	}
	if err := meta.CommitDir(vp); err != nil {
		return fmt.Errorf("commit metadata: %w", err)
	}
	fmt.Printf("committed %s to %s\n", vp, filepath.Join(dirCfg.BaseDir, vp.FinalName()))
	return nil
}

func loadSigner(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied identity path
	if err != nil {
		return nil, fmt.Errorf("read identity %s: %w", path, err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse identity %s: %w", path, err)
	}
	return signer, nil
}

func totalSize(m *index.Manifest) int64 {
	var total int64
	for _, entry := range m.Entries {
		total += entry.Size
	}
	return total
}

func copyBlocks(d *disk.Disk, img *disk.Image, sourceDir string, m *index.Manifest) error {
	for _, entry := range m.Entries {
		f, err := os.Open(filepath.Join(sourceDir, filepath.FromSlash(entry.Path))) //nolint:gosec // path from our own manifest walk
		if err != nil {
			return fmt.Errorf("open %s: %w", entry.Path, err)
		}
		for _, block := range entry.Blocks {
			buf := make([]byte, block.Size)
			if _, err := f.ReadAt(buf, block.Offset); err != nil {
				f.Close() //nolint:errcheck
				return fmt.Errorf("read %s at %d: %w", entry.Path, block.Offset, err)
			}
			if err := d.WriteBlock(img, entry.Path, block.Offset, buf); err != nil {
				f.Close() //nolint:errcheck
				return fmt.Errorf("write %s at %d: %w", entry.Path, block.Offset, err)
			}
		}
		f.Close() //nolint:errcheck
	}
	return nil
}
