package training

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/tsawler/go-ctdet/checkpoints"
)

// CheckpointConfig configures checkpoint saving behavior
type CheckpointConfig struct {
	SaveDirectory   string                       // Directory to save checkpoints
	MaxCheckpoints  int                          // Maximum number of epoch checkpoints to keep (0 = unlimited)
	Format          checkpoints.CheckpointFormat // JSON or protobuf
	FilenamePattern string                       // Pattern for epoch checkpoint filenames
}

// DefaultCheckpointConfig saves JSON checkpoints to dir.
func DefaultCheckpointConfig(dir string) CheckpointConfig {
	return CheckpointConfig{
		SaveDirectory:   dir,
		MaxCheckpoints:  10,
		Format:          checkpoints.FormatJSON,
		FilenamePattern: "model_%d",
	}
}

// CheckpointManager writes the last, best and per-epoch snapshots of a
// Trainer.
type CheckpointManager struct {
	config     CheckpointConfig
	trainer    *Trainer
	saver      *checkpoints.CheckpointSaver
	bestLoss   float32
	savedFiles []string // epoch checkpoints, oldest first
}

// NewCheckpointManager creates a new checkpoint manager
func NewCheckpointManager(trainer *Trainer, config CheckpointConfig) *CheckpointManager {
	return &CheckpointManager{
		config:   config,
		trainer:  trainer,
		saver:    checkpoints.NewCheckpointSaver(config.Format),
		bestLoss: float32(math.Inf(1)),
	}
}

// BestLoss is the lowest validation loss seen so far.
func (cm *CheckpointManager) BestLoss() float32 {
	return cm.bestLoss
}

func (cm *CheckpointManager) path(name string) string {
	return filepath.Join(cm.config.SaveDirectory, name+cm.config.Format.Extension())
}

func (cm *CheckpointManager) save(name string, epoch int) (string, error) {
	ckpt, err := cm.trainer.Checkpoint(epoch)
	if err != nil {
		return "", fmt.Errorf("failed to create checkpoint: %v", err)
	}
	if !math.IsInf(float64(cm.bestLoss), 1) {
		ckpt.TrainingState.BestLoss = cm.bestLoss
	}

	if err := os.MkdirAll(cm.config.SaveDirectory, 0755); err != nil {
		return "", fmt.Errorf("failed to create checkpoint directory: %v", err)
	}
	path := cm.path(name)
	if err := cm.saver.SaveCheckpoint(ckpt, path); err != nil {
		return "", fmt.Errorf("failed to save checkpoint: %v", err)
	}
	return path, nil
}

// SaveLast overwrites the model_last checkpoint.
func (cm *CheckpointManager) SaveLast(epoch int) (string, error) {
	return cm.save("model_last", epoch)
}

// SaveEpoch writes a checkpoint named after epoch and removes the oldest
// ones beyond MaxCheckpoints.
func (cm *CheckpointManager) SaveEpoch(epoch int) (string, error) {
	pattern := cm.config.FilenamePattern
	if pattern == "" {
		pattern = "model_%d"
	}
	path, err := cm.save(fmt.Sprintf(pattern, epoch), epoch)
	if err != nil {
		return "", err
	}
	cm.savedFiles = append(cm.savedFiles, path)

	if err := cm.cleanupOldCheckpoints(); err != nil {
		log.WithError(err).Warn("failed to cleanup old checkpoints")
	}
	return path, nil
}

// SaveBest writes model_best when valLoss improves on every earlier value.
func (cm *CheckpointManager) SaveBest(epoch int, valLoss float64) (bool, error) {
	if float32(valLoss) >= cm.bestLoss {
		return false, nil
	}
	cm.bestLoss = float32(valLoss)
	if _, err := cm.save("model_best", epoch); err != nil {
		return false, err
	}
	return true, nil
}

// LoadCheckpoint restores the trainer from path and returns the epoch the
// checkpoint was taken after.
func (cm *CheckpointManager) LoadCheckpoint(path string) (int, error) {
	ckpt, err := cm.saver.LoadCheckpoint(path)
	if err != nil {
		return 0, fmt.Errorf("failed to load checkpoint: %v", err)
	}
	epoch, err := cm.trainer.Restore(ckpt)
	if err != nil {
		return 0, fmt.Errorf("failed to restore trainer state: %v", err)
	}
	if ckpt.TrainingState.BestLoss > 0 {
		cm.bestLoss = ckpt.TrainingState.BestLoss
	}
	return epoch, nil
}

func (cm *CheckpointManager) cleanupOldCheckpoints() error {
	if cm.config.MaxCheckpoints <= 0 || len(cm.savedFiles) <= cm.config.MaxCheckpoints {
		return nil
	}

	toRemove := len(cm.savedFiles) - cm.config.MaxCheckpoints
	for i := 0; i < toRemove; i++ {
		if err := os.Remove(cm.savedFiles[i]); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove old checkpoint %s: %v", cm.savedFiles[i], err)
		}
	}
	cm.savedFiles = cm.savedFiles[toRemove:]
	return nil
}
