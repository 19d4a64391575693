package model

type FileState struct {
	Path         string   `yaml:"path"`
	Hash         string   `yaml:"hash"`
	Size         int64    `yaml:"size"`
	QAStatus     QAStatus `yaml:"qa_status"`
	Created      string   `yaml:"created"`
	LastModified string   `yaml:"last_modified"`
	LastQA       string   `yaml:"last_qa,omitempty"`
	Issues       []string `yaml:"issues,omitempty"`
}

// UpdateFile records the current content of path. A changed hash sends the
// file back to PENDING review.
func (s *PipelineState) UpdateFile(path, hash string, size int64, now string) *FileState {
	path = NormalizePath(path)
	if s.Files == nil {
		s.Files = make(map[string]*FileState)
	}
	fs, ok := s.Files[path]
	if !ok {
		fs = &FileState{
			Path:     path,
			QAStatus: QAStatusPending,
			Created:  now,
		}
		s.Files[path] = fs
	} else if fs.Hash != hash {
		fs.QAStatus = QAStatusPending
	}
	fs.Hash = hash
	fs.Size = size
	fs.LastModified = now
	return fs
}

// MarkFileReviewed stores the QA verdict for a file already tracked in state.
func (s *PipelineState) MarkFileReviewed(path string, approved bool, now string) {
	fs, ok := s.Files[NormalizePath(path)]
	if !ok {
		return
	}
	if approved {
		fs.QAStatus = QAStatusApproved
	} else {
		fs.QAStatus = QAStatusRejected
	}
	fs.LastQA = now
}

// AddFileIssue attaches an issue id to the file's open issue list.
func (s *PipelineState) AddFileIssue(path, issueID string) {
	fs, ok := s.Files[NormalizePath(path)]
	if !ok {
		return
	}
	for _, id := range fs.Issues {
		if id == issueID {
			return
		}
	}
	fs.Issues = append(fs.Issues, issueID)
}

// RemoveFileIssue drops an issue id from the file's open issue list.
func (s *PipelineState) RemoveFileIssue(path, issueID string) {
	fs, ok := s.Files[NormalizePath(path)]
	if !ok {
		return
	}
	fs.Issues = removeString(fs.Issues, issueID)
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
