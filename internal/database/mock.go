package database

import (
	"github.com/stretchr/testify/mock"
)

type MockItemRepository struct {
	mock.Mock
}

func (m *MockItemRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockItemRepository) GetHighlights() ([]Highlight, error) {
	args := m.Called()
	return args.Get(0).([]Highlight), args.Error(1)
}
func (m *MockItemRepository) GetHighlight(id int) (Highlight, error) {
	args := m.Called(id)
	return args.Get(0).(Highlight), args.Error(1)
}
func (m *MockItemRepository) GetNotes() ([]Note, error) {
	args := m.Called()
	return args.Get(0).([]Note), args.Error(1)
}
func (m *MockItemRepository) GetNote(id int) (Note, error) {
	args := m.Called(id)
	return args.Get(0).(Note), args.Error(1)
}
