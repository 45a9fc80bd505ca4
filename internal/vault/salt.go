package vault

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// LoadOrCreateSalt 读取持久化的随机盐；文件不存在时生成并以 0600 权限写入。
func LoadOrCreateSalt(path string) ([]byte, error) {
	if path == "" {
		return nil, errors.New("salt file path is empty")
	}

	salt, err := os.ReadFile(path)
	if err == nil {
		if len(salt) < SaltLen {
			return nil, fmt.Errorf("salt file %s is truncated (%d bytes)", path, len(salt))
		}
		return salt, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read salt file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create salt dir: %w", err)
	}
	salt = make([]byte, SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	// 先写临时文件再硬链接到目标路径：其他进程要么看不到文件，要么看到完整的盐；
	// 链接已存在说明另一个进程先创建成功，改用它的盐
	if err := writeSaltFile(path, salt); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return LoadOrCreateSalt(path)
		}
		return nil, err
	}
	return salt, nil
}

func writeSaltFile(path string, salt []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".salt-*")
	if err != nil {
		return fmt.Errorf("create salt file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod salt file: %w", err)
	}
	if _, err := tmp.Write(salt); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write salt file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync salt file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close salt file: %w", err)
	}
	if err := os.Link(tmpName, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return err
		}
		return fmt.Errorf("install salt file: %w", err)
	}
	return nil
}
